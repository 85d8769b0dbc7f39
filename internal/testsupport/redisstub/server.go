// Package redisstub runs an in-process RESP2 server implementing exactly the
// commands the Redis-backed queue and job lock exercise: the stream commands
// (XADD, XGROUP CREATE, XREADGROUP, XACK) and the string commands behind
// claims (SET with NX and expiry, GET, DEL, EVAL for the guarded delete).
// Optional AUTH and TLS mirror a hardened deployment.
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

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts    Options
	ln      net.Listener
	addr    string
	done    chan struct{}
	certPEM []byte
	keyPEM  []byte

	mu      sync.Mutex
	streams map[string]*stubStream
	values  map[string]stubValue
}

type stubStream struct {
	entries []stubEntry
	groups  map[string]*stubGroup
}

type stubEntry struct {
	id     string
	fields map[string]string
}

type stubGroup struct {
	cursor  int
	pending map[string]struct{}
}

type stubValue struct {
	data      string
	expiresAt time.Time
}

func (v stubValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && now.After(v.expiresAt)
}

func Start(opts Options) (*Server, error) {
	srv := &Server{
		opts:    opts,
		done:    make(chan struct{}),
		streams: make(map[string]*stubStream),
		values:  make(map[string]stubValue),
	}
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := selfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		srv.certPEM = certPEM
		srv.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		return nil, err
	}
	srv.ln = ln
	srv.addr = ln.Addr().String()
	go srv.acceptLoop()
	return srv, nil
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) CertPEM() []byte { return s.certPEM }

func (s *Server) KeyPEM() []byte { return s.keyPEM }

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.done)
	s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			continue
		}
		go s.serveConn(conn)
	}
}

type session struct {
	srv    *Server
	r      *bufio.Reader
	w      *bufio.Writer
	authed bool
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	sess := &session{
		srv:    s,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
		authed: s.opts.Password == "",
	}
	for {
		args, err := readCommand(sess.r)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if sess.errorf("ERR empty command") != nil {
				return
			}
			continue
		}
		if err := sess.dispatch(args); err != nil {
			return
		}
	}
}

func (sess *session) dispatch(args []string) error {
	switch strings.ToUpper(args[0]) {
	case "PING":
		return sess.simple("PONG")
	case "HELLO":
		// go-redis falls back to RESP2 plus AUTH when HELLO is rejected.
		return sess.errorf("ERR unknown command 'HELLO'")
	case "CLIENT", "SELECT":
		return sess.simple("OK")
	case "AUTH":
		return sess.auth(args)
	}
	if !sess.authed {
		return sess.errorf("NOAUTH Authentication required.")
	}
	switch strings.ToUpper(args[0]) {
	case "SET":
		return sess.set(args)
	case "GET":
		return sess.get(args)
	case "DEL":
		return sess.del(args)
	case "EVALSHA":
		// Forces the client to retry with the full script body.
		return sess.errorf("NOSCRIPT No matching script. Please use EVAL.")
	case "EVAL":
		return sess.eval(args)
	case "XADD":
		return sess.xadd(args)
	case "XGROUP":
		return sess.xgroupCreate(args)
	case "XREADGROUP":
		return sess.xreadgroup(args)
	case "XACK":
		return sess.xack(args)
	default:
		return sess.errorf("ERR unknown command '%s'", args[0])
	}
}

func (sess *session) auth(args []string) error {
	password := ""
	switch len(args) {
	case 2:
		password = args[1]
	case 3:
		password = args[2]
	default:
		return sess.errorf("ERR wrong number of arguments for 'auth'")
	}
	if sess.srv.opts.Password == "" || password == sess.srv.opts.Password {
		sess.authed = true
		return sess.simple("OK")
	}
	return sess.errorf("WRONGPASS invalid username-password pair")
}

func (sess *session) set(args []string) error {
	if len(args) < 3 {
		return sess.errorf("ERR wrong number of arguments for 'set'")
	}
	key, data := args[1], args[2]
	var ttl time.Duration
	onlyIfAbsent := false
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "NX":
			onlyIfAbsent = true
		case "EX", "PX":
			if i+1 >= len(args) {
				return sess.errorf("ERR syntax error")
			}
			amount, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return sess.errorf("ERR value is not an integer or out of range")
			}
			if strings.ToUpper(args[i]) == "EX" {
				ttl = time.Duration(amount) * time.Second
			} else {
				ttl = time.Duration(amount) * time.Millisecond
			}
			i++
		default:
			return sess.errorf("ERR syntax error")
		}
	}
	now := time.Now()
	sess.srv.mu.Lock()
	existing, ok := sess.srv.values[key]
	if onlyIfAbsent && ok && !existing.expired(now) {
		sess.srv.mu.Unlock()
		return sess.nilBulk()
	}
	value := stubValue{data: data}
	if ttl > 0 {
		value.expiresAt = now.Add(ttl)
	}
	sess.srv.values[key] = value
	sess.srv.mu.Unlock()
	return sess.simple("OK")
}

func (sess *session) get(args []string) error {
	if len(args) != 2 {
		return sess.errorf("ERR wrong number of arguments for 'get'")
	}
	data, ok := sess.srv.lookup(args[1])
	if !ok {
		return sess.nilBulk()
	}
	return sess.bulk(data)
}

func (sess *session) del(args []string) error {
	if len(args) < 2 {
		return sess.errorf("ERR wrong number of arguments for 'del'")
	}
	removed := 0
	sess.srv.mu.Lock()
	for _, key := range args[1:] {
		if _, ok := sess.srv.values[key]; ok {
			delete(sess.srv.values, key)
			removed++
		}
	}
	sess.srv.mu.Unlock()
	return sess.integer(int64(removed))
}

// eval interprets the guarded delete the job lock runs: delete KEYS[1] only
// when its value equals ARGV[1], replying with the number of keys removed.
func (sess *session) eval(args []string) error {
	if len(args) < 3 {
		return sess.errorf("ERR wrong number of arguments for 'eval'")
	}
	numKeys, err := strconv.Atoi(args[2])
	if err != nil || numKeys < 1 || 3+numKeys > len(args) {
		return sess.errorf("ERR invalid number of keys")
	}
	key := args[3]
	argv := args[3+numKeys:]
	if len(argv) == 0 {
		return sess.integer(0)
	}
	sess.srv.mu.Lock()
	defer sess.srv.mu.Unlock()
	value, ok := sess.srv.values[key]
	if !ok || value.expired(time.Now()) || value.data != argv[0] {
		return sess.integer(0)
	}
	delete(sess.srv.values, key)
	return sess.integer(1)
}

func (s *Server) lookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return "", false
	}
	if value.expired(time.Now()) {
		delete(s.values, key)
		return "", false
	}
	return value.data, true
}

func (sess *session) xadd(args []string) error {
	if len(args) < 5 {
		return sess.errorf("ERR wrong number of arguments for 'xadd'")
	}
	name, id := args[1], args[2]
	if id == "*" {
		id = fmt.Sprintf("%d-0", time.Now().UnixNano())
	}
	fields := make(map[string]string)
	for i := 3; i+1 < len(args); i += 2 {
		fields[args[i]] = args[i+1]
	}
	sess.srv.mu.Lock()
	strm := sess.srv.stream(name)
	strm.entries = append(strm.entries, stubEntry{id: id, fields: fields})
	sess.srv.mu.Unlock()
	return sess.bulk(id)
}

func (sess *session) xgroupCreate(args []string) error {
	if len(args) < 5 || strings.ToUpper(args[1]) != "CREATE" {
		return sess.errorf("ERR only XGROUP CREATE is supported")
	}
	name, groupName := args[2], args[3]
	sess.srv.mu.Lock()
	strm := sess.srv.stream(name)
	if _, exists := strm.groups[groupName]; exists {
		sess.srv.mu.Unlock()
		return sess.errorf("BUSYGROUP Consumer Group name already exists")
	}
	strm.groups[groupName] = &stubGroup{pending: make(map[string]struct{})}
	sess.srv.mu.Unlock()
	return sess.simple("OK")
}

func (sess *session) xreadgroup(args []string) error {
	var groupName, streamName string
	count := 1
	blockMs := 0
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return sess.errorf("ERR syntax error")
			}
			groupName = args[i+1]
			i += 2
		case "COUNT", "BLOCK":
			if i+1 >= len(args) {
				return sess.errorf("ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return sess.errorf("ERR value is not an integer or out of range")
			}
			if strings.ToUpper(args[i]) == "COUNT" {
				count = v
			} else {
				blockMs = v
			}
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				return sess.errorf("ERR syntax error")
			}
			streamName = args[i+1]
			i = len(args)
		}
	}
	if streamName == "" || groupName == "" {
		return sess.errorf("ERR missing stream or group")
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		records := sess.srv.deliver(streamName, groupName, count)
		if len(records) > 0 {
			return sess.array([]interface{}{
				[]interface{}{streamName, records},
			})
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			return sess.nilBulk()
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// deliver hands the next entries after the group's cursor to the caller and
// marks them pending, so each entry reaches exactly one consumer.
func (s *Server) deliver(streamName, groupName string, count int) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.stream(streamName)
	grp, ok := strm.groups[groupName]
	if !ok {
		grp = &stubGroup{pending: make(map[string]struct{})}
		strm.groups[groupName] = grp
	}
	if grp.cursor >= len(strm.entries) {
		return nil
	}
	end := grp.cursor + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	records := make([]interface{}, 0, end-grp.cursor)
	for _, e := range strm.entries[grp.cursor:end] {
		grp.pending[e.id] = struct{}{}
		fields := make([]interface{}, 0, len(e.fields)*2)
		for k, v := range e.fields {
			fields = append(fields, k, v)
		}
		records = append(records, []interface{}{e.id, fields})
	}
	grp.cursor = end
	return records
}

func (sess *session) xack(args []string) error {
	if len(args) < 4 {
		return sess.errorf("ERR wrong number of arguments for 'xack'")
	}
	streamName, groupName := args[1], args[2]
	acked := 0
	sess.srv.mu.Lock()
	if strm, ok := sess.srv.streams[streamName]; ok {
		if grp, ok := strm.groups[groupName]; ok {
			for _, id := range args[3:] {
				if _, pending := grp.pending[id]; pending {
					delete(grp.pending, id)
					acked++
				}
			}
		}
	}
	sess.srv.mu.Unlock()
	return sess.integer(int64(acked))
}

func (s *Server) stream(name string) *stubStream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stubStream{groups: make(map[string]*stubGroup)}
		s.streams[name] = strm
	}
	return strm
}

func readCommand(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	n, err := readSize(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		arg, err := readBulk(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readSize(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func readBulk(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	size, err := readSize(r)
	if err != nil {
		return "", err
	}
	if size < 0 {
		return "", nil
	}
	buf := make([]byte, size+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:size]), nil
}

func (sess *session) simple(value string) error {
	fmt.Fprintf(sess.w, "+%s\r\n", value)
	return sess.w.Flush()
}

func (sess *session) errorf(format string, args ...interface{}) error {
	fmt.Fprintf(sess.w, "-"+format+"\r\n", args...)
	return sess.w.Flush()
}

func (sess *session) bulk(value string) error {
	fmt.Fprintf(sess.w, "$%d\r\n%s\r\n", len(value), value)
	return sess.w.Flush()
}

func (sess *session) nilBulk() error {
	sess.w.WriteString("$-1\r\n")
	return sess.w.Flush()
}

func (sess *session) integer(value int64) error {
	fmt.Fprintf(sess.w, ":%d\r\n", value)
	return sess.w.Flush()
}

func (sess *session) array(values []interface{}) error {
	if err := writeValue(sess.w, values); err != nil {
		return err
	}
	return sess.w.Flush()
}

func writeValue(w *bufio.Writer, value interface{}) error {
	switch v := value.(type) {
	case []interface{}:
		if _, err := fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err := writeValue(w, item); err != nil {
				return err
			}
		}
		return nil
	case string:
		_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
		return err
	case int64:
		_, err := fmt.Fprintf(w, ":%d\r\n", v)
		return err
	default:
		rendered := fmt.Sprint(v)
		_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(rendered), rendered)
		return err
	}
}

func selfSignedCert() ([]byte, []byte, tls.Certificate, error) {
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
		DNSNames:     []string{"localhost"},
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
