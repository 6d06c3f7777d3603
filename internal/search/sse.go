package search

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/helixir/litsearch/internal/domain"
)

// maxEventSize bounds a single SSE frame. A well-formed record is tiny;
// anything larger indicates a broken or hostile stream.
const maxEventSize = 1 << 20

// eventReader decodes server-sent event frames from a byte stream. It
// implements the subset of the SSE wire format the search surface emits:
// "event:" and "data:" fields separated by blank lines, with multi-line
// data joined by newlines. Comment lines (leading colon) are skipped.
type eventReader struct {
	scanner *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxEventSize)
	return &eventReader{scanner: sc}
}

// next reads one complete frame and returns its decoded event. io.EOF means
// the stream closed between frames; a partial trailing frame is discarded.
func (er *eventReader) next() (domain.StreamEvent, error) {
	name := ""
	var data bytes.Buffer
	sawField := false

	for er.scanner.Scan() {
		line := er.scanner.Bytes()

		if len(line) == 0 {
			if !sawField {
				continue
			}
			return decodeStreamEvent(name, data.Bytes())
		}
		if line[0] == ':' {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			name = value
			sawField = true
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			sawField = true
		}
		// Unknown fields (id, retry) are tolerated and ignored.
	}
	if err := er.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// splitField splits an SSE line into field name and value, trimming the
// single optional space after the colon.
func splitField(line []byte) (string, string) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return string(line), ""
	}
	value := line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return string(line[:idx]), string(value)
}

// decodeStreamEvent maps a named frame onto its domain event. Unknown event
// names are treated as keepalives so protocol additions do not break older
// clients.
func decodeStreamEvent(name string, data []byte) (domain.StreamEvent, error) {
	switch name {
	case domain.EventNameInit:
		var p initPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode init event: %w", err)
		}
		ev := domain.InitEvent{Limit: p.Limit}
		if snap := p.RateLimit.toSnapshot(); snap != nil {
			ev.RateLimit = *snap
		}
		return ev, nil

	case domain.EventNamePaper:
		var rec domain.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode paper event: %w", err)
		}
		return domain.PaperEvent{Record: rec}, nil

	case domain.EventNameError:
		var p errorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode error event: %w", err)
		}
		return domain.ErrorEvent{Source: p.Source, Message: p.Error}, nil

	case domain.EventNameDone:
		var p donePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode done event: %w", err)
		}
		return domain.DoneEvent{
			Count:          p.Count,
			ProcessingTime: time.Duration(p.ProcessingTimeMS) * time.Millisecond,
			Mode:           p.Mode,
		}, nil

	default:
		return domain.PingEvent{}, nil
	}
}
