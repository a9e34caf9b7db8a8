package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JosueRhea/sockudo/internal/core/protocol"
)

// Pusher HTTP API v1.1 request signatures. The canonical string is
// METHOD\nPATH\nsorted&urlencoded(params minus auth_signature); the
// signature is a hex HMAC-SHA256 of it under the app secret.

const (
	ParamAuthKey       = "auth_key"
	ParamAuthTimestamp = "auth_timestamp"
	ParamAuthVersion   = "auth_version"
	ParamAuthSignature = "auth_signature"
	ParamBodyMD5       = "body_md5"

	authVersion = "1.0"

	// MaxTimestampSkew bounds |now - auth_timestamp|.
	MaxTimestampSkew = 600 * time.Second
)

// CanonicalString builds the string to sign. Params must already exclude
// auth_signature; keys are sorted, lowercase, and form-encoded.
func CanonicalString(method, path string, params url.Values) string {
	lowered := make(map[string]string, len(params))
	keys := make([]string, 0, len(params))
	for k := range params {
		if strings.EqualFold(k, ParamAuthSignature) {
			continue
		}
		lk := strings.ToLower(k)
		lowered[lk] = params.Get(k)
		keys = append(keys, lk)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+lowered[k])
	}
	return strings.ToUpper(method) + "\n" + path + "\n" + strings.Join(pairs, "&")
}

// SignRequest computes the auth_signature for a request. Used by
// VerifyRequest and by tests.
func SignRequest(secret, method, path string, params url.Values) string {
	return hexHMAC(secret, []byte(CanonicalString(method, path, params)))
}

// BodyMD5 is the lowercase hex MD5 of the raw request body.
func BodyMD5(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

// VerifyRequest validates a signed API request. now is injected so the
// skew window is testable.
func VerifyRequest(secret, method, path string, params url.Values, body []byte, now time.Time) error {
	for _, required := range []string{ParamAuthKey, ParamAuthTimestamp, ParamAuthVersion, ParamAuthSignature} {
		if params.Get(required) == "" {
			return protocol.NewError(protocol.KindAuth, protocol.StatusUnauthorized, "missing "+required, protocol.ErrAuthMissingParams)
		}
	}
	if params.Get(ParamAuthVersion) != authVersion {
		return protocol.Errorf(protocol.KindAuth, protocol.StatusUnauthorized, "unsupported auth_version %q", params.Get(ParamAuthVersion))
	}

	ts, err := strconv.ParseInt(params.Get(ParamAuthTimestamp), 10, 64)
	if err != nil {
		return protocol.NewError(protocol.KindAuth, protocol.StatusUnauthorized, "malformed auth_timestamp", err)
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return protocol.NewError(protocol.KindAuth, protocol.StatusUnauthorized, "auth_timestamp expired", protocol.ErrAuthTimestampSkew)
	}

	if len(body) > 0 {
		if params.Get(ParamBodyMD5) == "" {
			return protocol.NewError(protocol.KindAuth, protocol.StatusUnauthorized, "missing body_md5", protocol.ErrAuthMissingParams)
		}
		if !hmac.Equal([]byte(params.Get(ParamBodyMD5)), []byte(BodyMD5(body))) {
			return protocol.NewError(protocol.KindAuth, protocol.StatusUnauthorized, "body_md5 mismatch", protocol.ErrAuthSignature)
		}
	}

	expected := SignRequest(secret, method, path, params)
	if !hmac.Equal([]byte(params.Get(ParamAuthSignature)), []byte(expected)) {
		return protocol.NewError(protocol.KindAuth, protocol.StatusUnauthorized, "invalid auth_signature", protocol.ErrAuthSignature)
	}
	return nil
}
