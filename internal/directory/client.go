// Package directory implements the one-shot request/response client for the
// external rendezvous directory service (spec §4.1, §6.1). Every operation
// opens a fresh TCP connection, writes one line of JSON, reads one line of
// JSON, and closes — there is no persistent state here, unlike a Session.
package directory

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/peerchat/peerchat/internal/logging"
)

// MaxLineLen mirrors the peer wire protocol's line cap (spec §4.1).
const MaxLineLen = 32768

// RequestTimeout bounds a full REGISTER/DISCOVER/UNREGISTER round trip
// (spec §5).
const RequestTimeout = 10 * time.Second

// rateLimitBackoff is the minimum pause after a rate_limited response,
// per spec §4.1 ("backs off at least 60s").
const rateLimitBackoff = 60 * time.Second

// Error codes returned by the directory (spec §4.1, §6.1).
const (
	CodeBadName            = "bad_name"
	CodeBadNamespace       = "bad_namespace"
	CodeBadPort             = "bad_port"
	CodeBadTTL              = "bad_ttl"
	CodeInvalidJSON         = "invalid_json"
	CodeLineTooLong         = "line_too_long"
	CodeRateLimited         = "rate_limited"
	CodeNetwork             = "network"
	CodePeerNotRegistered   = "peer_not_registered"
)

// validationCodes are fatal to startup when no prior successful
// REGISTER exists (spec §7).
var validationCodes = map[string]bool{
	CodeBadName:      true,
	CodeBadNamespace: true,
	CodeBadPort:      true,
	CodeBadTTL:       true,
}

// IsValidationError reports whether code is a non-retryable directory
// validation error.
func IsValidationError(code string) bool { return validationCodes[code] }

// Error wraps a directory ERROR response.
type Error struct {
	Code  string
	Limit int
}

func (e *Error) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("directory: %s (limit=%d)", e.Code, e.Limit)
	}
	return fmt.Sprintf("directory: %s", e.Code)
}

// PeerRecord is one entry of a DISCOVER response.
type PeerRecord struct {
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Name       string `json:"name"`
	Namespace  string `json:"namespace"`
	TTL        int    `json:"ttl"`
	ExpiresIn  int    `json:"expires_in"`
}

// RegisterResult is the REGISTER response payload.
type RegisterResult struct {
	TTLGranted   int
	ObservedIP   string
	ObservedPort int
}

// Client talks to one rendezvous directory address, one connection per call.
type Client struct {
	addr string
	log  *logging.Logger

	// rateLimitedUntil gates all calls while the directory's per-minute
	// limit is in effect; zero means no active backoff.
	rateLimitedUntil time.Time
}

// New creates a directory client for the given "host:port" address.
func New(addr string) *Client {
	return &Client{addr: addr, log: logging.New("directory")}
}

func (c *Client) checkBackoff() error {
	if !c.rateLimitedUntil.IsZero() && time.Now().Before(c.rateLimitedUntil) {
		return &Error{Code: CodeRateLimited}
	}
	return nil
}

// Register registers (namespace, name, port) with an optional TTL request
// (0 = use directory default).
func (c *Client) Register(namespace, name string, port int, ttl int) (RegisterResult, error) {
	if err := c.checkBackoff(); err != nil {
		return RegisterResult{}, err
	}
	req := map[string]interface{}{
		"type":      "REGISTER",
		"namespace": namespace,
		"name":      name,
		"port":      port,
	}
	if ttl > 0 {
		req["ttl"] = ttl
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return RegisterResult{}, err
	}
	if resp.status != "OK" {
		return RegisterResult{}, c.translateError(resp)
	}
	return RegisterResult{
		TTLGranted:   resp.intField("ttl"),
		ObservedIP:   resp.strField("observed_ip"),
		ObservedPort: resp.intField("observed_port"),
	}, nil
}

// Discover lists peers in namespace, or every namespace when namespace is "".
func (c *Client) Discover(namespace string) ([]PeerRecord, error) {
	if err := c.checkBackoff(); err != nil {
		return nil, err
	}
	req := map[string]interface{}{"type": "DISCOVER"}
	if namespace != "" {
		req["namespace"] = namespace
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.status != "OK" {
		return nil, c.translateError(resp)
	}
	var peers []PeerRecord
	if raw, ok := resp.raw["peers"]; ok {
		b, _ := json.Marshal(raw)
		if err := json.Unmarshal(b, &peers); err != nil {
			return nil, fmt.Errorf("directory: malformed peers list: %w", err)
		}
	}
	return peers, nil
}

// Unregister removes a registration during graceful shutdown (spec §4.1).
func (c *Client) Unregister(namespace, name string, port int) error {
	if err := c.checkBackoff(); err != nil {
		return err
	}
	req := map[string]interface{}{"type": "UNREGISTER", "namespace": namespace}
	if name != "" {
		req["name"] = name
	}
	if port != 0 {
		req["port"] = port
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if resp.status != "OK" {
		return c.translateError(resp)
	}
	return nil
}

type response struct {
	status string
	raw    map[string]interface{}
}

func (r response) strField(k string) string {
	if v, ok := r.raw[k].(string); ok {
		return v
	}
	return ""
}

func (r response) intField(k string) int {
	if v, ok := r.raw[k].(float64); ok {
		return int(v)
	}
	return 0
}

func (c *Client) translateError(resp response) error {
	code := resp.strField("error")
	if code == "" {
		code = resp.strField("message")
	}
	e := &Error{Code: code, Limit: resp.intField("limit")}
	if e.Code == CodeRateLimited {
		c.rateLimitedUntil = time.Now().Add(rateLimitBackoff)
		c.log.Warnf("rate limited by directory, backing off %s", rateLimitBackoff)
	}
	return e
}

// roundTrip opens one connection, writes one JSON line, reads one JSON
// line, and closes. Mirrors the send-one/receive-one shape used for every
// rendezvous call.
func (c *Client) roundTrip(req map[string]interface{}) (response, error) {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", c.addr, RequestTimeout)
	if err != nil {
		return response{}, fmt.Errorf("%s: %w", CodeNetwork, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(RequestTimeout))

	data, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("directory: encode request: %w", err)
	}
	if len(data) > MaxLineLen {
		return response{}, errors.New(CodeLineTooLong)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return response{}, fmt.Errorf("%s: %w", CodeNetwork, err)
	}

	reader := bufio.NewReaderSize(conn, MaxLineLen+1)
	line, err := reader.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return response{}, errors.New(CodeLineTooLong)
		}
		return response{}, fmt.Errorf("%s: %w", CodeNetwork, err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(line[:len(line)-1], &raw); err != nil {
		return response{}, errors.New(CodeInvalidJSON)
	}
	status, _ := raw["status"].(string)

	method, _ := req["type"].(string)
	c.log.Debugf("%s -> %s in %s", method, status, time.Since(start).Truncate(time.Millisecond))

	return response{status: status, raw: raw}, nil
}
