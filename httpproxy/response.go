package httpproxy

import "strings"

// StatusFromFirstChunk extracts the HTTP status code from the first chunk
// of an upstream response: the second whitespace-separated token of the
// first line, parsed as an integer. This is the only response parsing the
// proxy performs; everything else is forwarded as opaque bytes. Returns
// 200 if the status line cannot be found or parsed.
func StatusFromFirstChunk(chunk []byte) int {
	nl := indexByteOrLen(chunk, '\n')
	line := string(chunk[:nl])
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 200
	}
	n := 0
	for _, c := range fields[1] {
		if c < '0' || c > '9' {
			return 200
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return 200
	}
	return n
}

func indexByteOrLen(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return len(b)
}
