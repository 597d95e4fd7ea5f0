package s3

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".s3.env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewConfigDefaults(t *testing.T) {
	path := writeEnv(t, "AccessKeyID=key\nSecretAccessKey=secret\nBucket=archives\n")

	cfg, err := NewConfig(path)
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	if cfg.Region != "us-east-1" || cfg.Prefix != "archives/" || cfg.PathStyle {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestNewConfigRequiresCredentials(t *testing.T) {
	for name, content := range map[string]string{
		"no key":    "SecretAccessKey=secret\nBucket=b\n",
		"no secret": "AccessKeyID=key\nBucket=b\n",
		"no bucket": "AccessKeyID=key\nSecretAccessKey=secret\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := NewConfig(writeEnv(t, content)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestNewConfigMissingFile(t *testing.T) {
	if _, err := NewConfig(filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
