package config

import (
	"os"
	"strings"
	"testing"
)

func TestLockAndVerify(t *testing.T) {
	configPath := writeConfig(t, agentsYAML)

	report, err := Lock(configPath, false)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if !report.Written || len(report.Hash) != 64 {
		t.Fatalf("unexpected report: %+v", report)
	}

	if _, err := Load(configPath); err != nil {
		t.Fatalf("Load() after lock error = %v", err)
	}

	if err := os.WriteFile(configPath, []byte(agentsYAML+"\n# edited\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestLockDryRun(t *testing.T) {
	configPath := writeConfig(t, agentsYAML)

	report, err := Lock(configPath, true)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if report.Written {
		t.Error("dry run should not write")
	}
	if _, err := os.Stat(ChecksumPath(configPath)); !os.IsNotExist(err) {
		t.Errorf("checksums file should not exist, stat err = %v", err)
	}
}

func TestVerifyChecksumsUnlocked(t *testing.T) {
	if err := VerifyChecksums(writeConfig(t, agentsYAML)); err != nil {
		t.Errorf("unlocked config should verify, got %v", err)
	}
}
