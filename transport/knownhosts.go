package transport

import (
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// knownHostsCallback builds a HostKeyCallback backed by an OpenSSH-format
// known_hosts file at path, creating an empty one if it doesn't exist yet.
// Only hosts whose key is already listed in the file are accepted; a host
// with no entry is rejected and is not added to the file.
func knownHostsCallback(path string) (ssh.HostKeyCallback, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, err
		}
		f.Close()
	}
	return knownhosts.New(path)
}
