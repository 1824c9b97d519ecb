package events

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

const defaultEventName = "message"

type frame struct {
	Name string
	Data []byte
}

type frameReader struct {
	reader *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{reader: bufio.NewReader(r)}
}

// next returns the next dispatched frame. A frame cut off by EOF is dropped.
func (f *frameReader) next() (frame, error) {
	var (
		name      string
		dataLines []string
		hasData   bool
	)
	for {
		line, err := f.reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return frame{}, err
		}
		if errors.Is(err, io.EOF) && line == "" {
			return frame{}, io.EOF
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if hasData {
				if name == "" {
					name = defaultEventName
				}
				return frame{Name: name, Data: []byte(strings.Join(dataLines, "\n"))}, nil
			}
			name = ""
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				name = value
			case "data":
				dataLines = append(dataLines, value)
				hasData = true
			}
		}
		if errors.Is(err, io.EOF) {
			return frame{}, io.EOF
		}
	}
}
