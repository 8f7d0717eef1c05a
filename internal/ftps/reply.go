package ftps

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// replyReader reads control-channel replies, including multiline ones
// ("123-..." continued until "123 ").
type replyReader struct {
	r *bufio.Reader
}

func newReplyReader(conn net.Conn) *replyReader {
	return &replyReader{r: bufio.NewReader(conn)}
}

func (rr *replyReader) read(conn net.Conn, timeout time.Duration) (int, string, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))

	line, err := rr.readLine()
	if err != nil {
		return 0, "", classifyReadError(err)
	}

	if len(line) < 3 {
		return 0, "", &ProtocolError{Msg: line}
	}

	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0, "", &ProtocolError{Msg: line}
	}

	msg := ""
	if len(line) > 4 {
		msg = line[4:]
	}

	if len(line) > 3 && line[3] == '-' {
		terminator := fmt.Sprintf("%03d ", code)
		var parts []string
		if msg != "" {
			parts = append(parts, msg)
		}
		for {
			next, err := rr.readLine()
			if err != nil {
				return 0, "", classifyReadError(err)
			}
			if strings.HasPrefix(next, terminator) {
				if len(next) > 4 {
					parts = append(parts, next[4:])
				}
				break
			}
			parts = append(parts, next)
		}
		msg = strings.Join(parts, "\n")
	}

	return code, msg, nil
}

func (rr *replyReader) readLine() (string, error) {
	line, err := rr.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func classifyReadError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}
