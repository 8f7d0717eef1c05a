// Package ftps implements the implicit-TLS file transfer protocol spoken
// by the printers: a TLS control connection on a fixed port, passive-mode
// data connections, and a handful of per-model firmware workarounds.
package ftps

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrAuthFailed       = errors.New("ftps: authentication failed")
	ErrConnectionFailed = errors.New("ftps: connection failed")
	ErrTimeout          = errors.New("ftps: operation timed out")
	ErrTLSHandshake     = errors.New("ftps: tls handshake failed")
	// ErrDirtyRemote marks a cancelled upload whose partial remote file
	// could not be deleted afterwards.
	ErrDirtyRemote = errors.New("ftps: upload cancelled, partial remote file left behind")
	// ErrEmptyDownload flags the firmware variants that answer a missing
	// path with a 0-byte stream instead of an error.
	ErrEmptyDownload = errors.New("ftps: remote returned empty stream")
)

type ProtocolError struct {
	Code int
	Msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftps: unexpected reply %d %s", e.Code, e.Msg)
}

const (
	DefaultPort = 990

	loginUser = "bblp"

	uploadChunkSize = 1 << 20
)

// storageDirs are the well-known directories summed when the vendor
// free-space extension is unavailable.
var storageDirs = []string{"/", "/cache", "/model", "/timelapse"}

type Config struct {
	Port            int
	ConnectTimeout  time.Duration
	IOTimeout       time.Duration
	TransferTimeout time.Duration
	// ClearDataChannelModels lists model families whose data channel must
	// run unencrypted (firmware TLS bug).
	ClearDataChannelModels []string
	// SkipFinalAckModels lists model families whose firmware never sends
	// the post-transfer acknowledgment after an upload.
	SkipFinalAckModels []string
}

type Client struct {
	cfg   Config
	modes *ModeCache
}

func NewClient(cfg Config, modes *ModeCache) *Client {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.IOTimeout == 0 {
		cfg.IOTimeout = 30 * time.Second
	}
	if cfg.TransferTimeout == 0 {
		cfg.TransferTimeout = 30 * time.Minute
	}
	if modes == nil {
		modes = NewModeCache()
	}
	return &Client{cfg: cfg, modes: modes}
}

func modelListed(model string, list []string) bool {
	for _, m := range list {
		if strings.EqualFold(strings.TrimSpace(m), strings.TrimSpace(model)) {
			return true
		}
	}
	return false
}

type Session struct {
	cfg    Config
	host   string
	model  string
	conn   net.Conn
	reader *replyReader
	tlsCfg *tls.Config
	modes  *ModeCache

	protMode      string
	clearFallback bool
	skipFinalAck  bool
}

// Dial opens the control connection. The socket is TLS from the first
// byte (implicit, not STARTTLS), then logs in and negotiates the data
// channel protection mode, preferring whatever worked last for this host.
func (c *Client) Dial(host, accessCode, model string) (*Session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(c.cfg.Port))

	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	raw, err := dialer.Dial("tcp", addr)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// Devices present self-signed per-unit certificates; the access code
	// is the authentication factor. The session cache lets the data
	// channel resume the control channel's TLS session.
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		ClientSessionCache: tls.NewLRUClientSessionCache(4),
		MinVersion:         tls.VersionTLS12,
	}

	conn := tls.Client(raw, tlsCfg)
	conn.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	if err := conn.Handshake(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %v", ErrTLSHandshake, err)
	}

	s := &Session{
		cfg:           c.cfg,
		host:          host,
		model:         model,
		conn:          conn,
		reader:        newReplyReader(conn),
		tlsCfg:        tlsCfg,
		modes:         c.modes,
		clearFallback: modelListed(model, c.cfg.ClearDataChannelModels),
		skipFinalAck:  modelListed(model, c.cfg.SkipFinalAckModels),
	}

	if err := s.login(accessCode); err != nil {
		s.conn.Close()
		return nil, err
	}

	mode := c.modes.Get(host)
	if mode == "" {
		mode = ModeProtected
	}
	if err := s.setProt(mode); err != nil {
		s.conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *Session) login(accessCode string) error {
	code, msg, err := s.reader.read(s.conn, s.cfg.IOTimeout)
	if err != nil {
		return err
	}
	if code != 220 {
		return &ProtocolError{Code: code, Msg: msg}
	}

	code, msg, err = s.cmd("USER %s", loginUser)
	if err != nil {
		return err
	}
	if code != 331 && code != 230 {
		return &ProtocolError{Code: code, Msg: msg}
	}

	if code == 331 {
		code, msg, err = s.cmd("PASS %s", accessCode)
		if err != nil {
			return err
		}
		if code == 530 {
			return ErrAuthFailed
		}
		if code != 230 {
			return &ProtocolError{Code: code, Msg: msg}
		}
	}

	code, msg, err = s.cmd("TYPE I")
	if err != nil {
		return err
	}
	if code != 200 {
		return &ProtocolError{Code: code, Msg: msg}
	}

	code, msg, err = s.cmd("PBSZ 0")
	if err != nil {
		return err
	}
	if code != 200 {
		return &ProtocolError{Code: code, Msg: msg}
	}

	return nil
}

func (s *Session) setProt(mode string) error {
	code, msg, err := s.cmd("PROT %s", mode)
	if err != nil {
		return err
	}
	if code != 200 {
		return &ProtocolError{Code: code, Msg: msg}
	}
	s.protMode = mode
	return nil
}

func (s *Session) cmd(format string, args ...any) (int, string, error) {
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.IOTimeout))
	if _, err := fmt.Fprintf(s.conn, format+"\r\n", args...); err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return s.reader.read(s.conn, s.cfg.IOTimeout)
}

// Quit sends QUIT best-effort and closes the control connection.
func (s *Session) Quit() {
	s.cmd("QUIT")
	s.conn.Close()
}

func (s *Session) openDataConn() (net.Conn, error) {
	code, msg, err := s.cmd("PASV")
	if err != nil {
		return nil, err
	}
	if code != 227 {
		return nil, &ProtocolError{Code: code, Msg: msg}
	}

	port, err := parsePasvPort(msg)
	if err != nil {
		return nil, err
	}

	// Devices routinely advertise a bogus address in the PASV reply; the
	// control-channel host with the advertised port is what actually works.
	dialer := &net.Dialer{Timeout: s.cfg.ConnectTimeout}
	raw, err := dialer.Dial("tcp", net.JoinHostPort(s.host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	if s.protMode == ModeClear {
		return raw, nil
	}

	dconn := tls.Client(raw, s.tlsCfg)
	dconn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	if err := dconn.Handshake(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %v", ErrTLSHandshake, err)
	}
	dconn.SetDeadline(time.Time{})
	return dconn, nil
}

func parsePasvPort(msg string) (int, error) {
	open := strings.Index(msg, "(")
	end := strings.LastIndex(msg, ")")
	if open < 0 || end <= open {
		return 0, fmt.Errorf("ftps: malformed passive reply %q", msg)
	}

	parts := strings.Split(msg[open+1:end], ",")
	if len(parts) != 6 {
		return 0, fmt.Errorf("ftps: malformed passive reply %q", msg)
	}

	hi, err := strconv.Atoi(strings.TrimSpace(parts[4]))
	if err != nil {
		return 0, fmt.Errorf("ftps: malformed passive reply %q", msg)
	}
	lo, err := strconv.Atoi(strings.TrimSpace(parts[5]))
	if err != nil {
		return 0, fmt.Errorf("ftps: malformed passive reply %q", msg)
	}

	return hi*256 + lo, nil
}

// ProgressFunc receives the cumulative byte count and the total size after
// every chunk. A non-nil return aborts the transfer; the error is
// propagated unmodified once the partial remote file is cleaned up.
type ProgressFunc func(sent, total int64) error

// Upload stores localPath as remoteName. The transfer runs in fixed-size
// chunks over a manually managed data socket; some firmware hangs after
// one-shot transfers. When the protected data channel fails on a model
// with the known TLS bug, the upload is retried once on a clear channel,
// and whichever mode succeeds is cached for the host.
func (s *Session) Upload(localPath, remoteName string, progress ProgressFunc) error {
	err := s.uploadOnce(localPath, remoteName, progress)
	if err == nil {
		s.modes.Confirm(s.host, s.protMode)
		return nil
	}

	if isCancellation(err) {
		return err
	}

	if s.protMode == ModeProtected && s.clearFallback {
		log.Printf("[ftps] protected data channel failed for %s (%s), retrying clear: %v", s.host, s.model, err)
		if perr := s.setProt(ModeClear); perr != nil {
			return err
		}
		if err = s.uploadOnce(localPath, remoteName, progress); err == nil {
			s.modes.Confirm(s.host, ModeClear)
			return nil
		}
	}

	return err
}

func isCancellation(err error) bool {
	if errors.Is(err, ErrDirtyRemote) {
		return true
	}
	var pe *progressAbort
	return errors.As(err, &pe)
}

// progressAbort wraps the callback's error so the fallback path can tell
// cancellation apart from transport failures without knowing the caller's
// sentinel.
type progressAbort struct {
	cause error
}

func (e *progressAbort) Error() string { return e.cause.Error() }
func (e *progressAbort) Unwrap() error { return e.cause }

func (s *Session) uploadOnce(localPath, remoteName string, progress ProgressFunc) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat local file: %w", err)
	}
	total := fi.Size()

	data, err := s.openDataConn()
	if err != nil {
		return err
	}

	code, msg, err := s.cmd("STOR %s", remoteName)
	if err != nil {
		data.Close()
		return err
	}
	if code != 150 && code != 125 {
		data.Close()
		return &ProtocolError{Code: code, Msg: msg}
	}

	deadline := time.Now().Add(s.cfg.TransferTimeout)
	buf := make([]byte, uploadChunkSize)
	var sent int64

	for {
		if time.Now().After(deadline) {
			data.Close()
			s.drainTransferReply()
			return fmt.Errorf("%w: transfer deadline exceeded", ErrTimeout)
		}

		n, rerr := f.Read(buf)
		if n > 0 {
			data.SetWriteDeadline(time.Now().Add(s.cfg.IOTimeout))
			if _, werr := data.Write(buf[:n]); werr != nil {
				data.Close()
				s.drainTransferReply()
				return fmt.Errorf("%w: %v", ErrConnectionFailed, werr)
			}
			sent += int64(n)

			// Cancellation is polled between chunks, never preemptive:
			// the chunk in flight always completes first.
			if progress != nil {
				if perr := progress(sent, total); perr != nil {
					data.Close()
					return s.abortUpload(remoteName, perr)
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			data.Close()
			s.drainTransferReply()
			return fmt.Errorf("failed to read local file: %w", rerr)
		}
	}

	data.Close()

	if s.skipFinalAck {
		// The data already arrived in full; waiting on the 226 would hang
		// forever on these models.
		return nil
	}

	code, msg, err = s.reader.read(s.conn, s.cfg.IOTimeout)
	if err != nil {
		return err
	}
	if code != 226 && code != 250 {
		return &ProtocolError{Code: code, Msg: msg}
	}
	return nil
}

// abortUpload handles a cancellation raised from the progress callback:
// the partially written remote file is deleted best-effort and the
// original cancellation error is re-raised. If even the delete fails the
// caller gets ErrDirtyRemote joined with the cause, never a silent
// cancellation.
func (s *Session) abortUpload(remoteName string, cause error) error {
	s.drainTransferReply()

	if err := s.Delete(remoteName); err != nil {
		log.Printf("[ftps] failed to remove partial upload %s on %s: %v", remoteName, s.host, err)
		return errors.Join(ErrDirtyRemote, cause)
	}
	return &progressAbort{cause: cause}
}

// drainTransferReply consumes the server's reaction to an interrupted
// transfer (usually 426 or 226) so the control channel stays in sync.
func (s *Session) drainTransferReply() {
	s.reader.read(s.conn, 2*time.Second)
}

// Download retrieves remoteName into w and returns the byte count. A
// zero-byte result is a failure: several firmware variants answer missing
// paths with an empty stream instead of an error.
func (s *Session) Download(remoteName string, w io.Writer) (int64, error) {
	data, err := s.openDataConn()
	if err != nil {
		return 0, err
	}

	code, msg, err := s.cmd("RETR %s", remoteName)
	if err != nil {
		data.Close()
		return 0, err
	}
	if code != 150 && code != 125 {
		data.Close()
		return 0, &ProtocolError{Code: code, Msg: msg}
	}

	deadline := time.Now().Add(s.cfg.TransferTimeout)
	buf := make([]byte, uploadChunkSize)
	var received int64

	for {
		if time.Now().After(deadline) {
			data.Close()
			s.drainTransferReply()
			return received, fmt.Errorf("%w: transfer deadline exceeded", ErrTimeout)
		}

		data.SetReadDeadline(time.Now().Add(s.cfg.IOTimeout))
		n, rerr := data.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				data.Close()
				s.drainTransferReply()
				return received, fmt.Errorf("failed to write local data: %w", werr)
			}
			received += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			data.Close()
			s.drainTransferReply()
			return received, fmt.Errorf("%w: %v", ErrConnectionFailed, rerr)
		}
	}

	data.Close()
	s.drainTransferReply()

	if received == 0 {
		return 0, ErrEmptyDownload
	}
	return received, nil
}

// DownloadFile retrieves remoteName into localPath, removing the partial
// local file on any failure.
func (s *Session) DownloadFile(remoteName, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}

	_, derr := s.Download(remoteName, f)
	cerr := f.Close()
	if derr != nil {
		os.Remove(localPath)
		return derr
	}
	if cerr != nil {
		os.Remove(localPath)
		return fmt.Errorf("failed to close local file: %w", cerr)
	}
	return nil
}

// List returns the entries under path. Listing failures yield an empty
// slice rather than an error; callers treat "no files" and "list failed"
// identically.
func (s *Session) List(path string) []FileEntry {
	data, err := s.openDataConn()
	if err != nil {
		return nil
	}

	code, _, err := s.cmd("LIST %s", path)
	if err != nil || (code != 150 && code != 125) {
		data.Close()
		return nil
	}

	var raw bytes.Buffer
	buf := make([]byte, 4096)
	for {
		// Re-armed per read so a large listing only fails when the device
		// stalls, not when the whole transfer outlasts one IO timeout.
		data.SetReadDeadline(time.Now().Add(s.cfg.IOTimeout))
		n, rerr := data.Read(buf)
		raw.Write(buf[:n])
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			data.Close()
			s.drainTransferReply()
			return nil
		}
	}
	data.Close()
	s.drainTransferReply()

	return parseListing(&raw, time.Now())
}

func (s *Session) Delete(remoteName string) error {
	code, msg, err := s.cmd("DELE %s", remoteName)
	if err != nil {
		return err
	}
	if code != 250 {
		return &ProtocolError{Code: code, Msg: msg}
	}
	return nil
}

// FileSize returns the remote file's size, or -1 when the device cannot
// answer.
func (s *Session) FileSize(remoteName string) int64 {
	code, msg, err := s.cmd("SIZE %s", remoteName)
	if err != nil || code != 213 {
		return -1
	}
	size, err := strconv.ParseInt(strings.TrimSpace(msg), 10, 64)
	if err != nil {
		return -1
	}
	return size
}

type StorageInfo struct {
	FreeBytes int64
	UsedBytes int64
	Known     bool
}

// StorageInfo reports free space via the vendor extension when the device
// supports it, otherwise approximates used space by summing file sizes
// across the well-known directories. An unknown result is not an error.
func (s *Session) StorageInfo() StorageInfo {
	if code, msg, err := s.cmd("AVBL /"); err == nil && code == 213 {
		if free, perr := strconv.ParseInt(strings.TrimSpace(msg), 10, 64); perr == nil {
			return StorageInfo{FreeBytes: free, Known: true}
		}
	}

	var used int64
	found := false
	for _, dir := range storageDirs {
		for _, entry := range s.List(dir) {
			if !entry.IsDir {
				used += entry.Size
				found = true
			}
		}
	}
	if !found {
		return StorageInfo{}
	}
	return StorageInfo{UsedBytes: used, Known: true}
}
