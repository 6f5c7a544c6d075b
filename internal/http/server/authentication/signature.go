package authentication

import (
	"cmp"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jdillenkofer/strato/internal/action"
)

const signatureAlgorithm = "AWS4-HMAC-SHA256"
const expectedService = "s3"
const expectedTerminator = "aws4_request"
const timestampFormat = "20060102T150405Z"
const unsignedPayload = "UNSIGNED-PAYLOAD"
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

const maxPresignedExpiry = 7 * 24 * time.Hour
const headerSignatureExpiry = 5 * time.Minute
const allowedClockSkew = 15 * time.Minute

var (
	errMissingAuthorization   = errors.New("request is not signed")
	errMalformedAuthorization = errors.New("malformed authorization")
	errUnknownAccessKey       = errors.New("unknown access key id")
	errInvalidScope           = errors.New("credential scope does not match")
	errRequestExpired         = errors.New("request timestamp is outside the valid range")
	errSignatureMismatch      = errors.New("signature does not match")
	errStreamingPayload       = errors.New("streaming payloads are not supported")
)

type AccessKeyIdContextKey struct{}

type Credentials struct {
	AccessKeyId     string
	SecretAccessKey string
}

// signedRequest holds the signature fields of a header signed or presigned
// request.
type signedRequest struct {
	accessKeyId   string
	date          string
	region        string
	service       string
	terminator    string
	timestamp     time.Time
	rawTimestamp  string
	expiry        time.Duration
	signedHeaders []string
	signature     string
	presigned     bool
}

func parseCredential(credential string, s *signedRequest) error {
	parts := strings.Split(credential, "/")
	if len(parts) != 5 {
		return fmt.Errorf("%w: credential must have 5 parts", errMalformedAuthorization)
	}
	s.accessKeyId, s.date, s.region, s.service, s.terminator = parts[0], parts[1], parts[2], parts[3], parts[4]
	return nil
}

func parseTimestamp(raw string, s *signedRequest) error {
	timestamp, err := time.Parse(timestampFormat, raw)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformedAuthorization, err)
	}
	s.timestamp = timestamp
	s.rawTimestamp = raw
	return nil
}

func parseAuthorizationHeader(r *http.Request) (*signedRequest, error) {
	header, found := strings.CutPrefix(r.Header.Get("Authorization"), signatureAlgorithm)
	if !found {
		return nil, fmt.Errorf("%w: unsupported algorithm", errMalformedAuthorization)
	}
	s := &signedRequest{expiry: headerSignatureExpiry}
	fields := map[string]string{}
	for _, field := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			return nil, fmt.Errorf("%w: field %q", errMalformedAuthorization, field)
		}
		fields[name] = value
	}
	if err := parseCredential(fields["Credential"], s); err != nil {
		return nil, err
	}
	s.signedHeaders = strings.Split(fields["SignedHeaders"], ";")
	s.signature = fields["Signature"]
	timestamp := r.Header.Get("x-amz-date")
	if timestamp == "" {
		timestamp = r.Header.Get("Date")
	}
	if err := parseTimestamp(timestamp, s); err != nil {
		return nil, err
	}
	return s, nil
}

func parsePresignedQuery(query url.Values) (*signedRequest, error) {
	if query.Get("X-Amz-Algorithm") != signatureAlgorithm {
		return nil, errMissingAuthorization
	}
	s := &signedRequest{presigned: true}
	if err := parseCredential(query.Get("X-Amz-Credential"), s); err != nil {
		return nil, err
	}
	expires, err := strconv.ParseInt(query.Get("X-Amz-Expires"), 10, 64)
	if err != nil || expires < 1 || time.Duration(expires)*time.Second > maxPresignedExpiry {
		return nil, fmt.Errorf("%w: invalid X-Amz-Expires", errMalformedAuthorization)
	}
	s.expiry = time.Duration(expires) * time.Second
	s.signedHeaders = strings.Split(query.Get("X-Amz-SignedHeaders"), ";")
	s.signature = query.Get("X-Amz-Signature")
	if err := parseTimestamp(query.Get("X-Amz-Date"), s); err != nil {
		return nil, err
	}
	return s, nil
}

// uriEncode escapes s the way SigV4 expects.
func uriEncode(s string, encodeSlash bool) string {
	var sb strings.Builder
	for _, b := range []byte(s) {
		switch {
		case 'A' <= b && b <= 'Z', 'a' <= b && b <= 'z', '0' <= b && b <= '9', b == '-', b == '_', b == '.', b == '~':
			sb.WriteByte(b)
		case b == '/' && !encodeSlash:
			sb.WriteByte(b)
		default:
			fmt.Fprintf(&sb, "%%%02X", b)
		}
	}
	return sb.String()
}

func canonicalQueryString(query url.Values) string {
	pairs := []string{}
	for key, values := range query {
		if key == "X-Amz-Signature" {
			continue
		}
		for _, value := range values {
			pairs = append(pairs, uriEncode(key, true)+"="+uriEncode(value, true))
		}
	}
	slices.Sort(pairs)
	return strings.Join(pairs, "&")
}

func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	type header struct {
		name  string
		value string
	}
	headers := []header{}
	for _, name := range signedHeaders {
		value := strings.Join(r.Header.Values(name), ",")
		switch {
		case name == "host":
			value = r.Host
		case name == "content-length" && value == "" && r.ContentLength >= 0:
			value = strconv.FormatInt(r.ContentLength, 10)
		}
		headers = append(headers, header{name: name, value: strings.Join(strings.Fields(value), " ")})
	}
	slices.SortFunc(headers, func(a, b header) int {
		return cmp.Compare(a.name, b.name)
	})
	var sb strings.Builder
	for _, h := range headers {
		sb.WriteString(h.name + ":" + h.value + "\n")
	}
	return sb.String()
}

// payloadHash is the hash the client signed. The body itself is not
// hashed so it can be streamed.
func payloadHash(r *http.Request, presigned bool) string {
	if presigned {
		return unsignedPayload
	}
	if hash := r.Header.Get("x-amz-content-sha256"); hash != "" {
		return hash
	}
	return emptyPayloadHash
}

func canonicalRequest(r *http.Request, s *signedRequest) string {
	sortedHeaders := slices.Clone(s.signedHeaders)
	slices.Sort(sortedHeaders)
	return strings.Join([]string{
		r.Method,
		uriEncode(r.URL.Path, false),
		canonicalQueryString(r.URL.Query()),
		canonicalHeaders(r, sortedHeaders),
		strings.Join(sortedHeaders, ";"),
		payloadHash(r, s.presigned),
	}, "\n")
}

func hmacSha256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func sha256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func computeSignature(secretAccessKey string, r *http.Request, s *signedRequest) string {
	scope := strings.Join([]string{s.date, s.region, s.service, s.terminator}, "/")
	stringToSign := strings.Join([]string{signatureAlgorithm, s.rawTimestamp, scope, sha256Hex(canonicalRequest(r, s))}, "\n")
	key := hmacSha256([]byte("AWS4"+secretAccessKey), s.date)
	key = hmacSha256(key, s.region)
	key = hmacSha256(key, s.service)
	key = hmacSha256(key, s.terminator)
	return hex.EncodeToString(hmacSha256(key, stringToSign))
}

// Verifier checks AWS Signature Version 4 signatures.
type Verifier struct {
	credentials map[string]Credentials
	region      string
	now         func() time.Time
}

func NewVerifier(credentials []Credentials, region string) *Verifier {
	byAccessKeyId := map[string]Credentials{}
	for _, c := range credentials {
		byAccessKeyId[c.AccessKeyId] = c
	}
	return &Verifier{credentials: byAccessKeyId, region: region, now: time.Now}
}

// Verify returns the access key id that signed r.
func (v *Verifier) Verify(r *http.Request) (string, error) {
	var s *signedRequest
	var err error
	if r.Header.Get("Authorization") != "" {
		s, err = parseAuthorizationHeader(r)
	} else {
		s, err = parsePresignedQuery(r.URL.Query())
	}
	if err != nil {
		return "", err
	}
	credentials, ok := v.credentials[s.accessKeyId]
	if !ok {
		return "", errUnknownAccessKey
	}
	if s.region != v.region || s.service != expectedService || s.terminator != expectedTerminator || s.date != s.timestamp.Format("20060102") {
		return "", errInvalidScope
	}
	if strings.HasPrefix(payloadHash(r, s.presigned), "STREAMING-") {
		return "", errStreamingPayload
	}
	now := v.now().UTC()
	if now.Before(s.timestamp.Add(-allowedClockSkew)) || now.After(s.timestamp.Add(s.expiry+allowedClockSkew)) {
		return "", errRequestExpired
	}
	expected := computeSignature(credentials.SecretAccessKey, r, s)
	if !hmac.Equal([]byte(expected), []byte(s.signature)) {
		slog.Debug(fmt.Sprintf("Expected signature %s, received %s", expected, s.signature))
		return "", errSignatureMismatch
	}
	return s.accessKeyId, nil
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string, message string) {
	body, err := action.XmlMarshalWithDocType(action.ErrorResponse{
		Code:     code,
		Message:  message,
		Resource: r.URL.Path,
	})
	if err != nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write(body)
}

func MakeSignatureMiddleware(verifier *Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessKeyId, err := verifier.Verify(r)
		if err != nil {
			slog.Warn(fmt.Sprintf("Rejecting request to %s: %v", r.URL.Path, err))
			switch {
			case errors.Is(err, errStreamingPayload):
				writeError(w, r, http.StatusNotImplemented, "NotImplemented", "Chunked payload signing is not supported.")
			case errors.Is(err, errMissingAuthorization), errors.Is(err, errUnknownAccessKey):
				writeError(w, r, http.StatusForbidden, "AccessDenied", "Access Denied")
			default:
				writeError(w, r, http.StatusForbidden, "SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.")
			}
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), AccessKeyIdContextKey{}, accessKeyId))
		next.ServeHTTP(w, r)
	})
}
