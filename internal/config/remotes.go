package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadRemotes parses the rclone-style INI config at path and returns
// the configured remote names (`[name]` section headers) in the order
// they appear in the file.
// Returns an empty slice, not an error, when the file does not exist —
// the replication pipeline treats an absent config as "no remotes
// configured" rather than a startup failure.
func LoadRemotes(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var remotes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			remotes = append(remotes, line[1:len(line)-1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan %s: %w", path, err)
	}
	return remotes, nil
}
