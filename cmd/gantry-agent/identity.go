// ABOUTME: Agent identity helpers: a UUID persisted in the work directory and the host address
// ABOUTME: A stable UUID lets the server recognise the agent across restarts

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const uuidFile = ".gantry-agent-uuid"

// agentUUID returns configured if set, else the UUID stored in workDir,
// creating one on first start.
func agentUUID(configured, workDir string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	path := filepath.Join(workDir, uuidFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, perr := uuid.Parse(strings.TrimSpace(string(data)))
		if perr != nil {
			return "", fmt.Errorf("invalid agent uuid in %s: %w", path, perr)
		}
		return id.String(), nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("reading agent uuid: %w", err)
	}

	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("saving agent uuid: %w", err)
	}
	return id, nil
}

// localIP returns the first non-loopback IPv4 address, or "" if none.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
