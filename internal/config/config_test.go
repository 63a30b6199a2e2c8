package config

import "testing"

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`journalDir: /tmp/j`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PageSize != 8192 {
		t.Fatalf("expected default page size 8192, got %d", cfg.PageSize)
	}
	if cfg.CommitPolicy != "hard" {
		t.Fatalf("expected default commit policy hard, got %s", cfg.CommitPolicy)
	}
	if cfg.JournalDir != "/tmp/j" {
		t.Fatalf("expected journalDir override, got %s", cfg.JournalDir)
	}
}

func TestParseRejectsUnknownCommitPolicy(t *testing.T) {
	_, err := Parse([]byte(`commitPolicy: bogus`))
	if err == nil {
		t.Fatal("expected validation error for unrecognized commit policy")
	}
}

func TestParseRejectsVolumeMissingPath(t *testing.T) {
	_, err := Parse([]byte(`
volumes:
  - name: v1
`))
	if err == nil {
		t.Fatal("expected validation error for volume missing path")
	}
}

func TestParseVolumeList(t *testing.T) {
	cfg, err := Parse([]byte(`
volumes:
  - name: v1
    path: /data/v1.vol
    create: true
    initialPages: 32
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Volumes) != 1 || cfg.Volumes[0].Name != "v1" || cfg.Volumes[0].InitialPages != 32 {
		t.Fatalf("unexpected volumes: %+v", cfg.Volumes)
	}
}
