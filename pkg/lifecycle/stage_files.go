package lifecycle

import (
	"os"
)

// writeOwnedFile writes data to path with the given mode, then chowns
// it to uid/gid. Every stage that drops a file into the scratch tree
// goes through this so ownership is never forgotten on one code path.
func writeOwnedFile(path string, data []byte, mode os.FileMode, uid, gid int) error {
	if err := os.WriteFile(path, data, mode); err != nil {
		return err
	}
	return os.Chown(path, uid, gid)
}

// mkdirAllOwned creates path (and parents) then chowns the leaf to
// uid/gid.
func mkdirAllOwned(path string, mode os.FileMode, uid, gid int) error {
	if err := os.MkdirAll(path, mode); err != nil {
		return err
	}
	return os.Chown(path, uid, gid)
}

// appendBytes appends data to the file at path, creating it if absent.
func appendBytes(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}
