package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/JosueRhea/sockudo/internal/core/protocol"
)

// ChannelToken computes the subscription auth token for a private or
// presence channel: key + ":" + hex(HMAC_SHA256(secret, socketID:channel[:channelData])).
func ChannelToken(key, secret, socketID, channel, channelData string) string {
	payload := socketID + ":" + channel
	if channelData != "" {
		payload += ":" + channelData
	}
	return key + ":" + hexHMAC(secret, []byte(payload))
}

// VerifyChannelToken checks a client-supplied auth token in constant
// time with respect to the token contents.
func VerifyChannelToken(token, key, secret, socketID, channel, channelData string) error {
	expected := ChannelToken(key, secret, socketID, channel, channelData)
	if !hmac.Equal([]byte(token), []byte(expected)) {
		return protocol.NewError(protocol.KindAuth, protocol.CloseAuthFailure, "invalid auth token", protocol.ErrAuthSignature)
	}
	return nil
}

// SigninToken computes the pusher:signin auth token over
// socketID::user::userData.
func SigninToken(key, secret, socketID, userData string) string {
	return key + ":" + hexHMAC(secret, []byte(socketID+"::user::"+userData))
}

// VerifySigninToken checks a signin token in constant time.
func VerifySigninToken(token, key, secret, socketID, userData string) error {
	expected := SigninToken(key, secret, socketID, userData)
	if !hmac.Equal([]byte(token), []byte(expected)) {
		return protocol.NewError(protocol.KindAuth, protocol.CloseAuthFailure, "invalid signin token", protocol.ErrAuthSignature)
	}
	return nil
}

// SignPayload signs an arbitrary body under the app secret. Used for
// webhook bodies.
func SignPayload(secret string, body []byte) string {
	return hexHMAC(secret, body)
}

// VerifyPayload checks a hex HMAC-SHA256 over body in constant time.
func VerifyPayload(signature, secret string, body []byte) bool {
	return hmac.Equal([]byte(signature), []byte(hexHMAC(secret, body)))
}

func hexHMAC(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
