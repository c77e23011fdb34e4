package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func errBody(code string) map[string]any {
	return map[string]any{"error": code, "error_description": "because"}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   any
		want   Category
	}{
		{name: "200 token response", status: 200, body: map[string]any{"access_token": "x"}, want: CategorySuccess},
		{name: "201 still success", status: 201, body: nil, want: CategorySuccess},
		{name: "400 invalid_grant", status: 400, body: errBody("invalid_grant"), want: CategorySecurityRejection},
		{name: "400 invalid_target", status: 400, body: errBody("invalid_target"), want: CategorySecurityRejection},
		{name: "400 invalid_request", status: 400, body: errBody("invalid_request"), want: CategorySecurityRejection},
		{name: "400 invalid_scope", status: 400, body: errBody("invalid_scope"), want: CategorySecurityRejection},
		{name: "403 access_denied", status: 403, body: errBody("access_denied"), want: CategorySecurityRejection},
		{name: "400 unauthorized_client", status: 400, body: errBody("unauthorized_client"), want: CategorySecurityRejection},
		{name: "400 without recognised code", status: 400, body: errBody("mystery_code"), want: CategorySecurityRejection},
		{name: "403 with empty body", status: 403, body: nil, want: CategorySecurityRejection},
		{name: "400 invalid_client is auth", status: 400, body: errBody("invalid_client"), want: CategoryAuthError},
		{name: "401 always auth", status: 401, body: errBody("invalid_grant"), want: CategoryAuthError},
		{name: "400 unsupported_grant_type", status: 400, body: errBody("unsupported_grant_type"), want: CategoryUnsupported},
		{name: "429 throttled", status: 429, body: nil, want: CategoryRateLimit},
		{name: "500 crash", status: 500, body: nil, want: CategoryServerError},
		{name: "503 unavailable", status: 503, body: errBody("invalid_grant"), want: CategoryServerError},
		{name: "302 redirect is unknown", status: 302, body: nil, want: CategoryUnknown},
		{name: "0 network failure", status: 0, body: errBody("network_error"), want: CategoryUnknown},
		{name: "string body with code", status: 400, body: `{"error":"invalid_client"}`, want: CategoryAuthError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.status, tt.body))
		})
	}
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "invalid_grant", ErrorCode(map[string]any{"error": "invalid_grant"}))
	assert.Equal(t, "invalid_grant", ErrorCode(`{"error":"invalid_grant"}`))
	assert.Empty(t, ErrorCode(map[string]any{"error": 42}), "non-string codes ignored")
	assert.Empty(t, ErrorCode("plain text body"))
	assert.Empty(t, ErrorCode(nil))
}

func TestIsSecurityRejection(t *testing.T) {
	t.Parallel()

	assert.True(t, IsSecurityRejection(400, errBody("invalid_grant")))
	assert.False(t, IsSecurityRejection(200, nil))
	assert.False(t, IsSecurityRejection(401, nil))
}

func TestIsInconclusive(t *testing.T) {
	t.Parallel()

	assert.True(t, IsInconclusive(401, nil))
	assert.True(t, IsInconclusive(429, nil))
	assert.True(t, IsInconclusive(500, nil))
	assert.True(t, IsInconclusive(400, errBody("unsupported_grant_type")))
	assert.True(t, IsInconclusive(302, nil))

	assert.False(t, IsInconclusive(200, nil))
	assert.False(t, IsInconclusive(400, errBody("invalid_grant")))
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "HTTP 400 security_rejection (invalid_grant)", Describe(400, errBody("invalid_grant")))
	assert.Equal(t, "HTTP 200 success", Describe(200, map[string]any{"access_token": "x"}))
}
