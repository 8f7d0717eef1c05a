package ftps

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePrinter is a minimal implicit-TLS FTPS device: one control listener,
// per-PASV ephemeral data listeners, and knobs for the firmware behaviors
// the client works around.
type fakePrinter struct {
	ln         net.Listener
	host       string
	port       int
	tlsCfg     *tls.Config
	accessCode string

	mu                 sync.Mutex
	stored             map[string][]byte
	commands           []string
	rejectDelete       bool
	sendFinalAck       bool
	breakProtectedData bool
}

func startFakePrinter(t *testing.T) *fakePrinter {
	t.Helper()

	tlsCfg := &tls.Config{Certificates: []tls.Certificate{testCertificate(t)}}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", tlsCfg)
	if err != nil {
		t.Fatalf("failed to start fake printer: %v", err)
	}

	p := &fakePrinter{
		ln:           ln,
		host:         "127.0.0.1",
		port:         ln.Addr().(*net.TCPAddr).Port,
		tlsCfg:       tlsCfg,
		accessCode:   "12345678",
		stored:       make(map[string][]byte),
		sendFinalAck: true,
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go p.serve(conn)
		}
	}()
	return p
}

func testCertificate(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "printer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func (p *fakePrinter) serve(conn net.Conn) {
	defer conn.Close()
	fmt.Fprintf(conn, "220 fake printer ready\r\n")

	r := bufio.NewReader(conn)
	protMode := ""
	dataCh := make(chan net.Conn, 1)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		p.record(line)

		verb, arg, _ := strings.Cut(line, " ")
		switch verb {
		case "USER":
			fmt.Fprintf(conn, "331 password required\r\n")
		case "PASS":
			if arg == p.accessCode {
				fmt.Fprintf(conn, "230 logged in\r\n")
			} else {
				fmt.Fprintf(conn, "530 login incorrect\r\n")
			}
		case "TYPE", "PBSZ":
			fmt.Fprintf(conn, "200 ok\r\n")
		case "PROT":
			protMode = arg
			fmt.Fprintf(conn, "200 ok\r\n")
		case "PASV":
			dataLn, lerr := net.Listen("tcp", "127.0.0.1:0")
			if lerr != nil {
				fmt.Fprintf(conn, "425 cannot open data connection\r\n")
				continue
			}
			port := dataLn.Addr().(*net.TCPAddr).Port
			go p.acceptData(dataLn, protMode, dataCh)
			fmt.Fprintf(conn, "227 Entering Passive Mode (127,0,0,1,%d,%d)\r\n", port/256, port%256)
		case "STOR":
			data, ok := p.waitData(dataCh)
			if !ok {
				fmt.Fprintf(conn, "425 no data connection\r\n")
				continue
			}
			fmt.Fprintf(conn, "150 ok to send data\r\n")
			content, _ := io.ReadAll(data)
			data.Close()
			p.put(arg, content)
			if p.finalAck() {
				fmt.Fprintf(conn, "226 transfer complete\r\n")
			}
		case "LIST":
			data, ok := p.waitData(dataCh)
			if !ok {
				fmt.Fprintf(conn, "425 no data connection\r\n")
				continue
			}
			fmt.Fprintf(conn, "150 here comes the listing\r\n")
			fmt.Fprintf(data, "-rw-r--r-- 1 root root 2048 Jan 16 08:00 a.3mf\r\n")
			fmt.Fprintf(data, "drwxr-xr-x 2 root root 4096 Jan 15 10:42 cache\r\n")
			data.Close()
			fmt.Fprintf(conn, "226 done\r\n")
		case "DELE":
			if p.deleteRejected() {
				fmt.Fprintf(conn, "550 permission denied\r\n")
			} else {
				p.remove(arg)
				fmt.Fprintf(conn, "250 deleted\r\n")
			}
		case "QUIT":
			fmt.Fprintf(conn, "221 bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "502 not implemented\r\n")
		}
	}
}

func (p *fakePrinter) acceptData(ln net.Listener, protMode string, dataCh chan net.Conn) {
	defer ln.Close()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	if protMode == ModeProtected {
		if p.protectedDataBroken() {
			conn.Close()
			return
		}
		tconn := tls.Server(conn, p.tlsCfg)
		if herr := tconn.Handshake(); herr != nil {
			conn.Close()
			return
		}
		conn = tconn
	}
	select {
	case dataCh <- conn:
	default:
		conn.Close()
	}
}

func (p *fakePrinter) waitData(dataCh chan net.Conn) (net.Conn, bool) {
	select {
	case conn := <-dataCh:
		return conn, true
	case <-time.After(2 * time.Second):
		return nil, false
	}
}

func (p *fakePrinter) record(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, line)
}

func (p *fakePrinter) sawCommand(line string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.commands {
		if c == line {
			return true
		}
	}
	return false
}

func (p *fakePrinter) put(name string, content []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stored[name] = content
}

func (p *fakePrinter) remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stored, name)
}

func (p *fakePrinter) storedContent(name string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content, ok := p.stored[name]
	return content, ok
}

func (p *fakePrinter) finalAck() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendFinalAck
}

func (p *fakePrinter) deleteRejected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rejectDelete
}

func (p *fakePrinter) protectedDataBroken() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.breakProtectedData
}

func newTransferClient(p *fakePrinter, modes *ModeCache) *Client {
	return NewClient(Config{
		Port:                   p.port,
		ConnectTimeout:         2 * time.Second,
		IOTimeout:              2 * time.Second,
		TransferTimeout:        10 * time.Second,
		ClearDataChannelModels: []string{"A1"},
		SkipFinalAckModels:     []string{"P1S"},
	}, modes)
}

func writeLocalFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write local file: %v", err)
	}
	return path
}

func TestSessionUploadDeliversFile(t *testing.T) {
	printer := startFakePrinter(t)
	modes := NewModeCache()
	client := newTransferClient(printer, modes)
	content := []byte("gcode payload")
	local := writeLocalFile(t, "part.3mf", content)

	session, err := client.Dial(printer.host, printer.accessCode, "X1C")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer session.Quit()

	var lastSent, lastTotal int64
	progress := func(sent, total int64) error {
		lastSent, lastTotal = sent, total
		return nil
	}
	if err := session.Upload(local, "part.3mf", progress); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	got, ok := printer.storedContent("part.3mf")
	if !ok || !bytes.Equal(got, content) {
		t.Fatalf("stored content = %q, want %q", got, content)
	}
	if lastSent != int64(len(content)) || lastTotal != int64(len(content)) {
		t.Fatalf("final progress = %d/%d, want %d/%d", lastSent, lastTotal, len(content), len(content))
	}
	if mode := modes.Get(printer.host); mode != ModeProtected {
		t.Fatalf("confirmed mode = %q, want %q", mode, ModeProtected)
	}
}

func TestSessionUploadCancelRemovesPartialFile(t *testing.T) {
	printer := startFakePrinter(t)
	client := newTransferClient(printer, NewModeCache())
	local := writeLocalFile(t, "part.3mf", []byte("partial payload"))

	session, err := client.Dial(printer.host, printer.accessCode, "X1C")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer session.Quit()

	stop := errors.New("stop requested")
	err = session.Upload(local, "part.3mf", func(sent, total int64) error {
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Upload error = %v, want the cancellation cause", err)
	}
	if errors.Is(err, ErrDirtyRemote) {
		t.Fatal("clean abort must not report a dirty remote")
	}

	if !printer.sawCommand("DELE part.3mf") {
		t.Fatal("expected the partial remote file to be deleted")
	}
	if _, ok := printer.storedContent("part.3mf"); ok {
		t.Fatal("partial remote file should be gone")
	}
}

func TestSessionUploadCancelWithFailedDeleteReportsDirtyRemote(t *testing.T) {
	printer := startFakePrinter(t)
	printer.rejectDelete = true
	client := newTransferClient(printer, NewModeCache())
	local := writeLocalFile(t, "part.3mf", []byte("partial payload"))

	session, err := client.Dial(printer.host, printer.accessCode, "X1C")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer session.Quit()

	stop := errors.New("stop requested")
	err = session.Upload(local, "part.3mf", func(sent, total int64) error {
		return stop
	})
	if !errors.Is(err, ErrDirtyRemote) {
		t.Fatalf("Upload error = %v, want ErrDirtyRemote", err)
	}
	if !errors.Is(err, stop) {
		t.Fatalf("Upload error = %v, should carry the cancellation cause", err)
	}
}

func TestSessionUploadSkipsFinalAckForListedModels(t *testing.T) {
	printer := startFakePrinter(t)
	printer.sendFinalAck = false
	client := newTransferClient(printer, NewModeCache())
	content := []byte("gcode payload")
	local := writeLocalFile(t, "part.3mf", content)

	session, err := client.Dial(printer.host, printer.accessCode, "P1S")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer session.Quit()

	// The device never sends the 226; waiting for it would time out.
	if err := session.Upload(local, "part.3mf", nil); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	// Without the final ack the client returns before the device finishes
	// draining the data connection.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, ok := printer.storedContent("part.3mf"); ok {
			if !bytes.Equal(got, content) {
				t.Fatalf("stored content = %q, want %q", got, content)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("remote file never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionUploadFallsBackToClearChannel(t *testing.T) {
	printer := startFakePrinter(t)
	printer.breakProtectedData = true
	modes := NewModeCache()
	client := newTransferClient(printer, modes)
	content := []byte("gcode payload")
	local := writeLocalFile(t, "part.3mf", content)

	session, err := client.Dial(printer.host, printer.accessCode, "A1")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer session.Quit()

	if err := session.Upload(local, "part.3mf", nil); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if !printer.sawCommand("PROT C") {
		t.Fatal("expected a clear-channel renegotiation")
	}
	if mode := modes.Get(printer.host); mode != ModeClear {
		t.Fatalf("confirmed mode = %q, want %q", mode, ModeClear)
	}
	if got, ok := printer.storedContent("part.3mf"); !ok || !bytes.Equal(got, content) {
		t.Fatalf("stored content = %q, want %q", got, content)
	}
}

func TestDialPrefersCachedMode(t *testing.T) {
	printer := startFakePrinter(t)
	modes := NewModeCache()
	modes.Confirm(printer.host, ModeClear)
	client := newTransferClient(printer, modes)

	session, err := client.Dial(printer.host, printer.accessCode, "X1C")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer session.Quit()

	if session.protMode != ModeClear {
		t.Fatalf("negotiated mode = %q, want %q", session.protMode, ModeClear)
	}
	if !printer.sawCommand("PROT C") {
		t.Fatal("expected the cached clear mode to be requested")
	}
}

func TestSessionListReturnsParsedEntries(t *testing.T) {
	printer := startFakePrinter(t)
	client := newTransferClient(printer, NewModeCache())

	session, err := client.Dial(printer.host, printer.accessCode, "X1C")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer session.Quit()

	entries := session.List("/")
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Name != "a.3mf" || entries[0].IsDir {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Name != "cache" || !entries[1].IsDir {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}
