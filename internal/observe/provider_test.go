package observe

import (
	"testing"

	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestNewResource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		cfg         ProviderConfig
		wantService string
		wantBackend string
		wantServe   bool
		wantVersion string
	}{
		{
			name:        "defaults",
			wantService: DefaultServiceName,
		},
		{
			name:        "memory backend served",
			cfg:         ProviderConfig{ServiceName: "room-a", SignalingBackend: "memory", Serving: true},
			wantService: "room-a",
			wantBackend: "memory",
			wantServe:   true,
		},
		{
			name:        "postgres with version",
			cfg:         ProviderConfig{SignalingBackend: "postgres", ServiceVersion: "1.2.0"},
			wantService: DefaultServiceName,
			wantBackend: "postgres",
			wantVersion: "1.2.0",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			res, err := NewResource(tc.cfg)
			if err != nil {
				t.Fatalf("NewResource: %v", err)
			}
			set := res.Set()

			if v, _ := set.Value(semconv.ServiceNameKey); v.AsString() != tc.wantService {
				t.Errorf("service.name = %q, want %q", v.AsString(), tc.wantService)
			}
			v, ok := set.Value(AttrSignalingBackend)
			switch {
			case tc.wantBackend == "" && ok:
				t.Errorf("unexpected backend attribute %q", v.AsString())
			case tc.wantBackend != "" && v.AsString() != tc.wantBackend:
				t.Errorf("backend = %q, want %q", v.AsString(), tc.wantBackend)
			}
			if v, _ := set.Value(AttrSignalingServe); v.AsBool() != tc.wantServe {
				t.Errorf("serve = %t, want %t", v.AsBool(), tc.wantServe)
			}
			if tc.wantVersion != "" {
				if v, _ := set.Value(semconv.ServiceVersionKey); v.AsString() != tc.wantVersion {
					t.Errorf("service.version = %q, want %q", v.AsString(), tc.wantVersion)
				}
			}
		})
	}
}
