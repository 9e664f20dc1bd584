package objectstore

import "testing"

func TestValidate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatal("expected missing endpoint error")
	}
	if _, err := NewMinIOClient(Config{Endpoint: "minio.internal:9000", AccessKey: "a", SecretKey: "b"}); err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := NewMinIOClient(Config{}); err == nil {
		t.Fatal("expected validation error")
	}
}
