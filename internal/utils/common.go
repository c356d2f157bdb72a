package utils

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
)

// ParseDevice normalizes a device argument to a node path.
// input: LABEL=FOO or UUID=... or a plain /dev path
// output: /dev/disk/by-label/FOO etc.
func ParseDevice(s string) string {
	switch {
	case strings.HasPrefix(s, "UUID="):
		return fmt.Sprintf("/dev/disk/by-uuid/%s", strings.TrimPrefix(s, "UUID="))
	case strings.HasPrefix(s, "LABEL="):
		return fmt.Sprintf("/dev/disk/by-label/%s", strings.TrimPrefix(s, "LABEL="))
	default:
		return s
	}
}

// ReadEnv reads an env file into a map.
func ReadEnv(file string) (map[string]string, error) {
	return godotenv.Read(file)
}

// CleanupSlice removes empty values from a string slice.
func CleanupSlice(slice []string) []string {
	var cleanSlice []string
	for _, item := range slice {
		if strings.TrimSpace(item) == "" {
			continue
		}
		cleanSlice = append(cleanSlice, item)
	}
	return cleanSlice
}

// UniqueSlice removes duplicated entries from a string slice.
func UniqueSlice(slice []string) []string {
	keys := make(map[string]bool)
	var list []string
	for _, entry := range slice {
		if _, value := keys[entry]; !value {
			keys[entry] = true
			list = append(list, entry)
		}
	}
	return list
}
