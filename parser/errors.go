package parser

import "fmt"

type (
	//ParseError attributes a malformed record to a file and line. Line
	//level errors are collected and reported; they never fail the whole
	//file on their own.
	ParseError struct {
		File string
		Line int
		Msg  string
	}

	//FileError marks a structurally unusable capture file or an invalid
	//file combination for a host. It fails that host, not the run.
	FileError struct {
		File string
		Host string
		Msg  string
	}
)

func (e ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

func (e FileError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("host %s: %s", e.Host, e.Msg)
	}
	return fmt.Sprintf("%s: host %s: %s", e.File, e.Host, e.Msg)
}

func lineErr(file string, line int, format string, args ...interface{}) ParseError {
	return ParseError{File: file, Line: line, Msg: fmt.Sprintf(format, args...)}
}
