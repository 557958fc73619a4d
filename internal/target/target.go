// Package target models remote hosts and parses host specifications.
package target

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// DefaultPort is used when a host specification carries no port.
const DefaultPort = 22

// Target identifies one remote host. A Target is immutable once
// resolved; the engine only reads it.
type Target struct {
	User         string            // SSH username
	Host         string            // Hostname or IP address
	Port         int               // SSH port number
	IdentityFile string            // Path to SSH private key file
	Password     string            // Password from inventory, empty for key/agent auth
	Tags         []string          // Group memberships
	Properties   map[string]string // Free-form inventory variables
	Original     string            // Original host specification string
}

// Addr returns the host:port dial address.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Key returns the identity used for deduplication.
func (t Target) Key() string {
	return fmt.Sprintf("%s@%s:%d", t.User, t.Host, t.Port)
}

// ParseSpec parses a single host specification in the format
// "user@host:port?key=path". IPv6 addresses use brackets: [::1]:2222.
func ParseSpec(spec string) (Target, error) {
	t := Target{
		Original: spec,
		Port:     DefaultPort,
	}

	if strings.TrimSpace(spec) == "" {
		return t, fmt.Errorf("empty host specification")
	}

	parts := strings.SplitN(spec, "?", 2)
	hostPart := parts[0]

	if len(parts) == 2 {
		values, err := url.ParseQuery(parts[1])
		if err != nil {
			return t, fmt.Errorf("invalid query parameters: %w", err)
		}
		if key := values.Get("key"); key != "" {
			t.IdentityFile = key
		}
	}

	var userHost string
	if strings.Contains(hostPart, "@") {
		userHostParts := strings.SplitN(hostPart, "@", 2)
		t.User = userHostParts[0]
		userHost = userHostParts[1]
	} else {
		userHost = hostPart
	}

	var host, portStr string
	if strings.HasPrefix(userHost, "[") {
		closeBracket := strings.Index(userHost, "]")
		if closeBracket == -1 {
			return t, fmt.Errorf("invalid IPv6 address: missing closing bracket")
		}
		host = userHost[1:closeBracket]
		if rest := userHost[closeBracket+1:]; strings.HasPrefix(rest, ":") {
			portStr = rest[1:]
		}
	} else if strings.Contains(userHost, ":") {
		hostPortParts := strings.SplitN(userHost, ":", 2)
		host = hostPortParts[0]
		portStr = hostPortParts[1]
	} else {
		host = userHost
	}

	t.Host = host

	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return t, fmt.Errorf("invalid port %q: %w", portStr, err)
		}
		if port < 1 || port > 65535 {
			return t, fmt.Errorf("port %d out of range (1-65535)", port)
		}
		t.Port = port
	}

	if t.Host == "" {
		return t, fmt.Errorf("host cannot be empty")
	}

	return t, nil
}

// ParseList parses comma-separated host specifications, skipping empty
// entries.
func ParseList(input string) ([]Target, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("empty hosts input")
	}

	specs := strings.Split(input, ",")
	targets := make([]Target, 0, len(specs))

	for i, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		t, err := ParseSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("host %d (%q): %w", i+1, spec, err)
		}
		targets = append(targets, t)
	}

	return targets, nil
}

// ParseFile reads host specifications from a file, one per line.
// Blank lines and #-comments are skipped.
func ParseFile(filename string) ([]Target, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open host file: %w", err)
	}
	defer file.Close()

	return ParseReader(file)
}

// ParseReader reads host specifications from r, one per line.
func ParseReader(r io.Reader) ([]Target, error) {
	scanner := bufio.NewScanner(r)
	var targets []Target
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		t, err := ParseSpec(line)
		if err != nil {
			return nil, fmt.Errorf("line %d (%q): %w", lineNum, line, err)
		}
		targets = append(targets, t)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	return targets, nil
}
