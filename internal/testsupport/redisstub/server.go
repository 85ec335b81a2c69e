// Package redisstub runs a minimal in-process Redis protocol server for
// tests. It speaks enough RESP2 to back the session store (SET/GET/DEL), the
// rate limit window store (INCR/PEXPIRE/PTTL), and the chat queue
// (XADD/XREAD), so redis-backed components can be exercised without a real
// Redis instance.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	closed   chan struct{}
	certPEM  []byte
	keyPEM   []byte

	mu      sync.Mutex
	kv      map[string]*kvEntry
	streams map[string]*stream
	seq     int64
}

type kvEntry struct {
	value  string
	expiry time.Time
}

type stream struct {
	entries []streamEntry
}

type streamEntry struct {
	id     entryID
	values []string
}

type entryID struct {
	ms  int64
	seq int64
}

func (id entryID) String() string {
	return fmt.Sprintf("%d-%d", id.ms, id.seq)
}

func (id entryID) after(other entryID) bool {
	if id.ms != other.ms {
		return id.ms > other.ms
	}
	return id.seq > other.seq
}

func parseEntryID(raw string) (entryID, error) {
	parts := strings.SplitN(raw, "-", 2)
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("invalid stream id %q", raw)
	}
	var seq int64
	if len(parts) == 2 {
		seq, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return entryID{}, fmt.Errorf("invalid stream id %q", raw)
		}
	}
	return entryID{ms: ms, seq: seq}, nil
}

// Start launches the stub on a random loopback port.
func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:    opts,
		kv:      make(map[string]*kvEntry),
		streams: make(map[string]*stream),
		closed:  make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// StreamLen reports how many entries a stream currently holds.
func (s *Server) StreamLen(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return 0
	}
	return len(strm.entries)
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		var replyErr error
		switch strings.ToUpper(args[0]) {
		case "PING":
			replyErr = writeSimpleString(writer, "PONG")
		case "HELLO":
			// Declining HELLO keeps clients on RESP2.
			replyErr = writeError(writer, "ERR unknown command 'hello'")
		case "CLIENT":
			replyErr = writeSimpleString(writer, "OK")
		case "SELECT":
			replyErr = writeSimpleString(writer, "OK")
		case "AUTH":
			authenticated, replyErr = s.handleAuth(writer, args)
		default:
			if !authenticated {
				replyErr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			replyErr = s.dispatch(writer, args)
		}
		if replyErr != nil {
			return
		}
	}
}

func (s *Server) handleAuth(writer *bufio.Writer, args []string) (bool, error) {
	var candidate string
	switch len(args) {
	case 2:
		candidate = args[1]
	case 3:
		candidate = args[2]
	default:
		return false, writeError(writer, "ERR wrong number of arguments for 'auth'")
	}
	if s.opts.Password == "" || candidate == s.opts.Password {
		return true, writeSimpleString(writer, "OK")
	}
	return false, writeError(writer, "WRONGPASS invalid username-password pair")
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "SET":
		return s.handleSet(writer, args)
	case "GET":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'get'")
		}
		value, ok := s.get(args[1])
		if !ok {
			return writeBulkNil(writer)
		}
		return writeBulkString(writer, value)
	case "DEL":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for 'del'")
		}
		return writeInteger(writer, s.del(args[1:]))
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		value, err := s.incr(args[1])
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		return writeInteger(writer, value)
	case "PEXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'pexpire'")
		}
		ms, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR invalid expire time")
		}
		return writeInteger(writer, s.pexpire(args[1], time.Duration(ms)*time.Millisecond))
	case "PTTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'pttl'")
		}
		return writeInteger(writer, s.pttl(args[1]))
	case "XADD":
		return s.handleXAdd(writer, args)
	case "XREAD":
		return s.handleXRead(writer, args)
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(args[0])))
	}
}

func (s *Server) handleSet(writer *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(writer, "ERR wrong number of arguments for 'set'")
	}
	var expiry time.Time
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "EX", "PX":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			amount, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return writeError(writer, "ERR invalid expire time")
			}
			unit := time.Second
			if strings.EqualFold(args[i], "PX") {
				unit = time.Millisecond
			}
			expiry = time.Now().Add(time.Duration(amount) * unit)
			i++
		default:
			return writeError(writer, "ERR syntax error")
		}
	}
	s.mu.Lock()
	s.kv[args[1]] = &kvEntry{value: args[2], expiry: expiry}
	s.mu.Unlock()
	return writeSimpleString(writer, "OK")
}

func (s *Server) handleXAdd(writer *bufio.Writer, args []string) error {
	if len(args) < 5 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	name := args[1]
	maxLen := int64(-1)
	i := 2
	if strings.EqualFold(args[i], "MAXLEN") {
		i++
		if i < len(args) && (args[i] == "~" || args[i] == "=") {
			i++
		}
		if i >= len(args) {
			return writeError(writer, "ERR syntax error")
		}
		parsed, err := strconv.ParseInt(args[i], 10, 64)
		if err != nil {
			return writeError(writer, "ERR invalid MAXLEN")
		}
		maxLen = parsed
		i++
	}
	if i >= len(args) {
		return writeError(writer, "ERR syntax error")
	}
	rawID := args[i]
	i++
	if (len(args)-i)%2 != 0 || len(args)-i == 0 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	values := append([]string(nil), args[i:]...)

	s.mu.Lock()
	var id entryID
	if rawID == "*" {
		s.seq++
		id = entryID{ms: time.Now().UnixMilli(), seq: s.seq}
	} else {
		parsed, err := parseEntryID(rawID)
		if err != nil {
			s.mu.Unlock()
			return writeError(writer, "ERR invalid stream id")
		}
		id = parsed
	}
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{}
		s.streams[name] = strm
	}
	strm.entries = append(strm.entries, streamEntry{id: id, values: values})
	if maxLen >= 0 && int64(len(strm.entries)) > maxLen {
		drop := int64(len(strm.entries)) - maxLen
		strm.entries = append([]streamEntry(nil), strm.entries[drop:]...)
	}
	s.mu.Unlock()
	return writeBulkString(writer, id.String())
}

func (s *Server) handleXRead(writer *bufio.Writer, args []string) error {
	var name, rawID string
	count := 0
	blockMs := -1
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "COUNT":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			parsed, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(writer, "ERR invalid COUNT")
			}
			count = parsed
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			parsed, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(writer, "ERR invalid BLOCK")
			}
			blockMs = parsed
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			name = args[i+1]
			rawID = args[i+2]
			i = len(args)
		default:
			return writeError(writer, "ERR syntax error")
		}
	}
	if name == "" || rawID == "" {
		return writeError(writer, "ERR missing stream or id")
	}

	after, err := s.resolveCursor(name, rawID)
	if err != nil {
		return writeError(writer, "ERR invalid stream id")
	}

	var deadline time.Time
	if blockMs > 0 {
		deadline = time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	}
	for {
		entries := s.entriesAfter(name, after, count)
		if len(entries) > 0 {
			records := make([]interface{}, 0, len(entries))
			for _, entry := range entries {
				fields := make([]interface{}, 0, len(entry.values))
				for _, v := range entry.values {
					fields = append(fields, v)
				}
				records = append(records, []interface{}{entry.id.String(), fields})
			}
			return writeArray(writer, []interface{}{
				[]interface{}{name, records},
			})
		}
		if blockMs < 0 || (blockMs > 0 && time.Now().After(deadline)) {
			return writeBulkNil(writer)
		}
		select {
		case <-s.closed:
			return writeBulkNil(writer)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// resolveCursor maps "$" to the current stream tail so only entries appended
// afterwards are delivered.
func (s *Server) resolveCursor(name, rawID string) (entryID, error) {
	if rawID != "$" {
		return parseEntryID(rawID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok || len(strm.entries) == 0 {
		return entryID{}, nil
	}
	return strm.entries[len(strm.entries)-1].id, nil
}

func (s *Server) entriesAfter(name string, after entryID, count int) []streamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return nil
	}
	var out []streamEntry
	for _, entry := range strm.entries {
		if !entry.id.after(after) {
			continue
		}
		out = append(out, entry)
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out
}

func (s *Server) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok {
		return "", false
	}
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		delete(s.kv, key)
		return "", false
	}
	return entry.value, true
}

func (s *Server) del(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if _, ok := s.kv[key]; ok {
			delete(s.kv, key)
			removed++
		}
	}
	return removed
}

func (s *Server) incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok || (!entry.expiry.IsZero() && time.Now().After(entry.expiry)) {
		entry = &kvEntry{value: "0"}
		s.kv[key] = entry
	}
	value, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		return 0, err
	}
	value++
	entry.value = strconv.FormatInt(value, 10)
	return value, nil
}

func (s *Server) pexpire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok {
		return 0
	}
	entry.expiry = time.Now().Add(ttl)
	return 1
}

func (s *Server) pttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(entry.expiry)
	if remaining <= 0 {
		delete(s.kv, key)
		return -2
	}
	return int64(remaining / time.Millisecond)
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v); err != nil {
				return err
			}
		case int64:
			if _, err := fmt.Fprintf(w, ":%d\r\n", v); err != nil {
				return err
			}
		case []interface{}:
			if err := writeArrayRaw(w, v); err != nil {
				return err
			}
		default:
			formatted := fmt.Sprint(v)
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(formatted), formatted); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
