package auth

import (
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedParams(secret, method, path string, body []byte, now time.Time) url.Values {
	params := url.Values{}
	params.Set(ParamAuthKey, "demo-key")
	params.Set(ParamAuthTimestamp, strconv.FormatInt(now.Unix(), 10))
	params.Set(ParamAuthVersion, "1.0")
	if len(body) > 0 {
		params.Set(ParamBodyMD5, BodyMD5(body))
	}
	params.Set(ParamAuthSignature, SignRequest(secret, method, path, params))
	return params
}

func TestVerifyRequestRoundTrip(t *testing.T) {
	now := time.Now()
	body := []byte(`{"name":"msg","channel":"c","data":"{\"k\":1}"}`)
	params := signedParams("s", "POST", "/apps/demo-app/events", body, now)

	require.NoError(t, VerifyRequest("s", "POST", "/apps/demo-app/events", params, body, now))
}

func TestVerifyRequestFlippedBits(t *testing.T) {
	now := time.Now()
	body := []byte(`{"name":"msg"}`)
	params := signedParams("s", "POST", "/apps/demo-app/events", body, now)

	t.Run("signature", func(t *testing.T) {
		tampered := cloneValues(params)
		sig := []byte(tampered.Get(ParamAuthSignature))
		sig[0] ^= 0x01
		tampered.Set(ParamAuthSignature, string(sig))
		assert.Error(t, VerifyRequest("s", "POST", "/apps/demo-app/events", tampered, body, now))
	})

	t.Run("body", func(t *testing.T) {
		tampered := append([]byte(nil), body...)
		tampered[0] ^= 0x01
		assert.Error(t, VerifyRequest("s", "POST", "/apps/demo-app/events", params, tampered, now))
	})

	t.Run("params", func(t *testing.T) {
		tampered := cloneValues(params)
		tampered.Set("extra", "1")
		assert.Error(t, VerifyRequest("s", "POST", "/apps/demo-app/events", tampered, body, now))
	})

	t.Run("method", func(t *testing.T) {
		assert.Error(t, VerifyRequest("s", "GET", "/apps/demo-app/events", params, body, now))
	})
}

func TestVerifyRequestTimestampSkew(t *testing.T) {
	now := time.Now()
	params := signedParams("s", "GET", "/apps/demo-app/channels", nil, now)

	require.NoError(t, VerifyRequest("s", "GET", "/apps/demo-app/channels", params, nil, now.Add(9*time.Minute)))
	assert.Error(t, VerifyRequest("s", "GET", "/apps/demo-app/channels", params, nil, now.Add(11*time.Minute)))
	assert.Error(t, VerifyRequest("s", "GET", "/apps/demo-app/channels", params, nil, now.Add(-11*time.Minute)))
}

func TestVerifyRequestMissingParams(t *testing.T) {
	now := time.Now()
	for _, drop := range []string{ParamAuthKey, ParamAuthTimestamp, ParamAuthVersion, ParamAuthSignature} {
		params := signedParams("s", "GET", "/apps/demo-app/channels", nil, now)
		params.Del(drop)
		assert.Error(t, VerifyRequest("s", "GET", "/apps/demo-app/channels", params, nil, now), drop)
	}
}

func TestVerifyRequestRequiresBodyMD5(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)
	params := url.Values{}
	params.Set(ParamAuthKey, "demo-key")
	params.Set(ParamAuthTimestamp, strconv.FormatInt(now.Unix(), 10))
	params.Set(ParamAuthVersion, "1.0")
	params.Set(ParamAuthSignature, SignRequest("s", "POST", "/apps/demo-app/events", params))

	assert.Error(t, VerifyRequest("s", "POST", "/apps/demo-app/events", params, body, now))
}

func TestCanonicalStringSortsAndLowercases(t *testing.T) {
	params := url.Values{}
	params.Set("B", "2")
	params.Set("a", "1")
	params.Set(ParamAuthSignature, "excluded")

	canonical := CanonicalString("post", "/apps/1/events", params)
	require.Equal(t, "POST\n/apps/1/events\na=1&b=2", canonical)
}

func cloneValues(in url.Values) url.Values {
	out := url.Values{}
	for k, vs := range in {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}
