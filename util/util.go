package util

import (
	"os"
)

//TimeFormat stores a correctly formatted timestamp
const TimeFormat string = "2006-01-02-T15:04:05-0700"

// Exists returns true if file or directory exists
func Exists(path string) bool {
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if os.IsNotExist(err) {
		return false
	}
	return true
}

// IsDir returns true if argument is a directory
func IsDir(path string) bool {
	file, err := os.Stat(path)
	if err != nil {
		return false
	}
	if file.IsDir() {
		return true
	}
	return false
}

//Min returns the smaller of two integers
func Min(a int, b int) int {
	if a < b {
		return a
	}
	return b
}

//Max returns the larger of two integers
func Max(a int, b int) int {
	if a > b {
		return a
	}
	return b
}

//StringInSlice returns true if the string is an element of the array
func StringInSlice(value string, list []string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}
