// Package redisstub runs a small in-process RESP server that understands the
// subset of Redis used by the event queue, the snapshot cache and the rate
// limiter: streams with consumer groups, and string and counter keys with
// expiry.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Options configures a stub server.
type Options struct {
	Password  string
	EnableTLS bool
}

// Server is a running stub. Close stops the listener and drops open
// connections.
type Server struct {
	opts     Options
	conns    map[net.Conn]struct{}
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string]*redisStream
	kv       map[string]*kvEntry
	seq      int64
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type redisStream struct {
	entries []streamEntry
	groups  map[string]*groupState
}

type streamEntry struct {
	id     string
	values map[string]string
}

type groupState struct {
	nextIndex int
	pending   map[string]struct{}
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func (e *kvEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:    opts,
		streams: make(map[string]*redisStream),
		kv:      make(map[string]*kvEntry),
		conns:   make(map[net.Conn]struct{}),
		closed:  make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, keyPEM, cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
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

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
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
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			if err := writeSimpleString(writer, "PONG"); err != nil {
				return
			}
		case "AUTH":
			if len(args) == 2 {
				if s.opts.Password != "" && args[1] == s.opts.Password {
					authenticated = true
					if err := writeSimpleString(writer, "OK"); err != nil {
						return
					}
				} else if s.opts.Password == "" {
					authenticated = true
					if err := writeSimpleString(writer, "OK"); err != nil {
						return
					}
				} else {
					if err := writeError(writer, "WRONGPASS invalid username-password pair"); err != nil {
						return
					}
				}
			} else if len(args) == 3 {
				if s.opts.Password != "" && args[2] == s.opts.Password {
					authenticated = true
					if err := writeSimpleString(writer, "OK"); err != nil {
						return
					}
				} else {
					if err := writeError(writer, "WRONGPASS invalid username-password pair"); err != nil {
						return
					}
				}
			} else {
				if err := writeError(writer, "ERR wrong number of arguments for 'auth'"); err != nil {
					return
				}
			}
		case "SELECT", "CLIENT":
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		case "HELLO":
			// RESP3 is not spoken here; clients fall back to RESP2 and AUTH.
			if err := writeError(writer, "ERR unknown command 'HELLO'"); err != nil {
				return
			}
		default:
			if !authenticated {
				if err := writeError(writer, "NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if !s.dispatch(writer, args) {
				return
			}
		}
	}
}

// dispatch executes one command. It returns false only when the connection
// can no longer be written to; error replies keep the connection open so
// pooled clients can reuse it.
func (s *Server) dispatch(writer *bufio.Writer, args []string) bool {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "XADD":
		return s.handleXAdd(writer, args)
	case "XGROUP":
		return s.handleXGroup(writer, args)
	case "XREADGROUP":
		return s.handleXReadGroup(writer, args)
	case "XACK":
		if len(args) < 4 {
			return writeError(writer, "ERR wrong number of arguments for 'xack'") == nil
		}
		acked := s.ack(args[1], args[2], args[3:])
		return writeInteger(writer, int64(acked)) == nil
	case "XLEN":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'xlen'") == nil
		}
		return writeInteger(writer, int64(s.streamLen(args[1]))) == nil
	case "GET":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'get'") == nil
		}
		value, ok := s.get(args[1])
		if !ok {
			return writeBulkNil(writer) == nil
		}
		return writeBulkString(writer, value) == nil
	case "SET":
		return s.handleSet(writer, args)
	case "DEL":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for 'del'") == nil
		}
		return writeInteger(writer, int64(s.del(args[1:]))) == nil
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'") == nil
		}
		value, err := s.incrBy(args[1], 1)
		if err != nil {
			return writeError(writer, err.Error()) == nil
		}
		return writeInteger(writer, value) == nil
	case "INCRBY":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'incrby'") == nil
		}
		delta, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range") == nil
		}
		value, err := s.incrBy(args[1], delta)
		if err != nil {
			return writeError(writer, err.Error()) == nil
		}
		return writeInteger(writer, value) == nil
	case "EXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'") == nil
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range") == nil
		}
		if s.expire(args[1], time.Duration(seconds)*time.Second) {
			return writeInteger(writer, 1) == nil
		}
		return writeInteger(writer, 0) == nil
	case "TTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'") == nil
		}
		return writeInteger(writer, s.ttl(args[1])) == nil
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0])) == nil
	}
}

func (s *Server) handleXAdd(writer *bufio.Writer, args []string) bool {
	if len(args) < 5 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'") == nil
	}
	stream := args[1]
	rest := args[2:]
	for len(rest) > 0 {
		token := strings.ToUpper(rest[0])
		if token == "NOMKSTREAM" {
			rest = rest[1:]
			continue
		}
		if token == "MAXLEN" || token == "MINID" {
			rest = rest[1:]
			if len(rest) > 0 && (rest[0] == "~" || rest[0] == "=") {
				rest = rest[1:]
			}
			if len(rest) > 0 {
				rest = rest[1:]
			}
			continue
		}
		break
	}
	if len(rest) < 3 || (len(rest)-1)%2 != 0 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'") == nil
	}
	id := rest[0]
	values := make(map[string]string)
	for i := 1; i+1 < len(rest); i += 2 {
		values[rest[i]] = rest[i+1]
	}
	s.mu.Lock()
	strm := s.ensureStream(stream)
	if id == "*" {
		s.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	}
	strm.entries = append(strm.entries, streamEntry{id: id, values: values})
	s.mu.Unlock()
	return writeBulkString(writer, id) == nil
}

func (s *Server) handleXGroup(writer *bufio.Writer, args []string) bool {
	if len(args) < 5 {
		return writeError(writer, "ERR wrong number of arguments for 'xgroup'") == nil
	}
	if strings.ToUpper(args[1]) != "CREATE" {
		return writeError(writer, "ERR only CREATE supported") == nil
	}
	stream := args[2]
	group := args[3]
	s.mu.Lock()
	strm := s.ensureStream(stream)
	if _, exists := strm.groups[group]; exists {
		s.mu.Unlock()
		return writeError(writer, "BUSYGROUP Consumer Group name already exists") == nil
	}
	state := &groupState{pending: make(map[string]struct{})}
	if args[4] == "$" {
		state.nextIndex = len(strm.entries)
	}
	strm.groups[group] = state
	s.mu.Unlock()
	return writeSimpleString(writer, "OK") == nil
}

func (s *Server) handleSet(writer *bufio.Writer, args []string) bool {
	if len(args) < 3 {
		return writeError(writer, "ERR wrong number of arguments for 'set'") == nil
	}
	var ttl time.Duration
	for i := 3; i < len(args); i++ {
		option := strings.ToUpper(args[i])
		if (option == "EX" || option == "PX") && i+1 < len(args) {
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || n <= 0 {
				return writeError(writer, "ERR invalid expire time in 'set' command") == nil
			}
			if option == "EX" {
				ttl = time.Duration(n) * time.Second
			} else {
				ttl = time.Duration(n) * time.Millisecond
			}
			i++
		}
	}
	s.set(args[1], args[2], ttl)
	return writeSimpleString(writer, "OK") == nil
}

func (s *Server) ensureStream(name string) *redisStream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &redisStream{}
		s.streams[name] = strm
	}
	if strm.groups == nil {
		strm.groups = make(map[string]*groupState)
	}
	return strm
}

func (s *Server) handleXReadGroup(writer *bufio.Writer, args []string) bool {
	if len(args) < 6 {
		return writeError(writer, "ERR wrong number of arguments for 'xreadgroup'") == nil
	}
	var group, stream string
	count := 1
	blockMs := 0
	for i := 1; i < len(args); i++ {
		token := strings.ToUpper(args[i])
		switch token {
		case "GROUP":
			if i+2 >= len(args) {
				return writeError(writer, "ERR syntax error") == nil
			}
			group = args[i+1]
			_ = args[i+2]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error") == nil
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(writer, "ERR invalid COUNT") == nil
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error") == nil
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(writer, "ERR invalid BLOCK") == nil
			}
			blockMs = v
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				return writeError(writer, "ERR syntax error") == nil
			}
			stream = args[i+1]
			i = len(args)
		}
	}
	if stream == "" || group == "" {
		return writeError(writer, "ERR missing stream or group") == nil
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		items := s.readGroup(stream, group, count)
		if len(items) > 0 {
			if err := writeArray(writer, []interface{}{items}); err != nil {
				return false
			}
			return true
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			if err := writeNilArray(writer); err != nil {
				return false
			}
			return true
		}
		select {
		case <-s.closed:
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Server) readGroup(stream, group string, count int) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(stream)
	state, ok := strm.groups[group]
	if !ok {
		state = &groupState{pending: make(map[string]struct{})}
		strm.groups[group] = state
	}
	start := state.nextIndex
	if start >= len(strm.entries) {
		return nil
	}
	end := start + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	records := make([]interface{}, 0, end-start)
	for i := start; i < end; i++ {
		entry := strm.entries[i]
		state.pending[entry.id] = struct{}{}
		records = append(records, []interface{}{
			entry.id,
			flatten(entry.values),
		})
	}
	state.nextIndex = end
	return []interface{}{stream, records}
}

func flatten(values map[string]string) []interface{} {
	out := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		out = append(out, k, v)
	}
	return out
}

func (s *Server) ack(stream, group string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return 0
	}
	state, ok := strm.groups[group]
	if !ok {
		return 0
	}
	count := 0
	for _, id := range ids {
		if _, exists := state.pending[id]; exists {
			delete(state.pending, id)
			count++
		}
	}
	return count
}

func (s *Server) streamLen(stream string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return 0
	}
	return len(strm.entries)
}

// Pending reports how many delivered entries await acknowledgement.
func (s *Server) Pending(stream, group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return 0
	}
	state, ok := strm.groups[group]
	if !ok {
		return 0
	}
	return len(state.pending)
}

func (s *Server) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok {
		return "", false
	}
	if entry.expired(time.Now()) {
		delete(s.kv, key)
		return "", false
	}
	return entry.value, true
}

func (s *Server) set(key, value string, ttl time.Duration) {
	entry := &kvEntry{value: value}
	if ttl > 0 {
		entry.expiry = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.kv[key] = entry
	s.mu.Unlock()
}

func (s *Server) del(keys []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, key := range keys {
		if _, ok := s.kv[key]; ok {
			delete(s.kv, key)
			removed++
		}
	}
	return removed
}

func (s *Server) incrBy(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok || entry.expired(time.Now()) {
		entry = &kvEntry{value: "0"}
		s.kv[key] = entry
	}
	current, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ERR value is not an integer or out of range")
	}
	current += delta
	entry.value = strconv.FormatInt(current, 10)
	return current, nil
}

func (s *Server) expire(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok || entry.expired(time.Now()) {
		return false
	}
	entry.expiry = time.Now().Add(ttl)
	return true
}

func (s *Server) ttl(key string) int64 {
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
	return int64((remaining + time.Second - 1) / time.Second)
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
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
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
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
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

func writeNilArray(w *bufio.Writer) error {
	if _, err := w.WriteString("*-1\r\n"); err != nil {
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
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if err := writeBulkStringRaw(w, v); err != nil {
				return err
			}
		case []byte:
			if err := writeBulkBytesRaw(w, v); err != nil {
				return err
			}
		case int64:
			if err := writeIntegerRaw(w, v); err != nil {
				return err
			}
		case []interface{}:
			if err := writeArray(w, v); err != nil {
				return err
			}
		default:
			if err := writeBulkStringRaw(w, fmt.Sprint(v)); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func writeBulkStringRaw(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return nil
}

func writeBulkBytesRaw(w *bufio.Writer, value []byte) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n", len(value)); err != nil {
		return err
	}
	if _, err := w.Write(value); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return nil
}

func writeIntegerRaw(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return nil
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
