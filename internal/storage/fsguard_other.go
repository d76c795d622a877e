//go:build !darwin && !linux

package storage

func probeFilesystem(string) (string, bool, error) { return "", false, nil }
