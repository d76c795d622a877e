//go:build linux

package storage

import "golang.org/x/sys/unix"

var remoteMagic = map[uint32]string{
	unix.NFS_SUPER_MAGIC:  "nfs",
	unix.SMB_SUPER_MAGIC:  "smbfs",
	unix.CIFS_SUPER_MAGIC: "cifs",
	unix.SMB2_SUPER_MAGIC: "smb2",
	unix.AFS_SUPER_MAGIC:  "afs",
	unix.V9FS_MAGIC:       "9p",
}

func probeFilesystem(dir string) (string, bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return "", false, err
	}
	if name, ok := remoteMagic[uint32(st.Type)]; ok {
		return name, true, nil
	}
	return "local", false, nil
}
