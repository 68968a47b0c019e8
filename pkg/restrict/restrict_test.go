package restrict

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_GroupsByPath(t *testing.T) {
	m := Parse("http://host1:8080/health;http://host.docker.internal:8080/health;http://host2:9090/status")

	require.Len(t, m, 2)
	assert.Equal(t, []string{"host.docker.internal:8080", "host1:8080"}, m["/health"])
	assert.Equal(t, []string{"host2:9090"}, m["/status"])
	assert.Equal(t, []string{"/health", "/status"}, m.Paths())
}

func TestParse_SkipsExpressionsAndJunk(t *testing.T) {
	m := Parse("{api.bindings.http.url}/health; ;not a url;http://api:80")

	require.Len(t, m, 1)
	assert.Equal(t, []string{"api:80"}, m["/"])
}

func TestParse_Empty(t *testing.T) {
	assert.Empty(t, Parse(""))
}

func TestMap_Allowed(t *testing.T) {
	m := Parse("http://host1:8080/health")

	assert.True(t, m.Allowed("/health", "host1:8080"))
	assert.True(t, m.Allowed("/health", "HOST1:8080"))
	assert.False(t, m.Allowed("/health", "evil:8080"))
	assert.False(t, m.Allowed("/health", "host1:8081"))
	assert.True(t, m.Allowed("/other", "evil:8080"), "unrestricted paths pass")
	assert.True(t, m.Restricted("health"))
}

func TestMiddleware(t *testing.T) {
	m := Parse("http://host1:8080/health;http://host2:9090/status")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware(m, next)

	tests := []struct {
		name string
		host string
		path string
		want int
	}{
		{name: "listed authority", host: "host1:8080", path: "/health", want: http.StatusOK},
		{name: "other group's authority", host: "host2:9090", path: "/health", want: http.StatusForbidden},
		{name: "unknown authority", host: "attacker:1", path: "/status", want: http.StatusForbidden},
		{name: "unrestricted path", host: "attacker:1", path: "/", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://"+tt.host+tt.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
