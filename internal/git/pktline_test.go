package git

import (
	"bytes"
	"strings"
	"testing"
)

func TestPacketWrite(t *testing.T) {
	got := packetWrite("# service=git-receive-pack\n")
	if !strings.HasPrefix(string(got), "001f") {
		t.Fatalf("unexpected length header: %q", got[:4])
	}
	if string(got[4:]) != "# service=git-receive-pack\n" {
		t.Fatalf("payload mangled: %q", got)
	}
}

func TestParseReceiveCommands(t *testing.T) {
	oldID := strings.Repeat("0", 40)
	newID := strings.Repeat("a", 40)
	line := oldID + " " + newID + " refs/heads/master\x00report-status side-band-64k"
	body := append(packetWrite(line), packetFlush()...)
	body = append(body, []byte("PACK....")...)

	updates, sideband, err := parseReceiveCommands(body)
	if err != nil {
		t.Fatalf("parseReceiveCommands: %v", err)
	}
	if !sideband {
		t.Fatal("expected side-band-64k capability detected")
	}
	if len(updates) != 1 || updates[0].Ref != "refs/heads/master" || updates[0].NewID != newID {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}

func TestParseReceiveCommandsMultiple(t *testing.T) {
	oldID := strings.Repeat("1", 40)
	newID := strings.Repeat("2", 40)
	var body []byte
	body = append(body, packetWrite(oldID+" "+newID+" refs/heads/master\x00report-status")...)
	body = append(body, packetWrite(oldID+" "+newID+" refs/heads/dev")...)
	body = append(body, packetFlush()...)

	updates, sideband, err := parseReceiveCommands(body)
	if err != nil {
		t.Fatalf("parseReceiveCommands: %v", err)
	}
	if sideband {
		t.Fatal("sideband should not be negotiated")
	}
	if len(updates) != 2 || updates[1].Ref != "refs/heads/dev" {
		t.Fatalf("unexpected updates: %+v", updates)
	}
}

func TestParseReceiveCommandsMalformed(t *testing.T) {
	if _, _, err := parseReceiveCommands([]byte("00")); err == nil {
		t.Fatal("expected error for truncated header")
	}
	if _, _, err := parseReceiveCommands(append(packetWrite("not a command"), packetFlush()...)); err == nil {
		t.Fatal("expected error for malformed command")
	}
}

func TestBuildableRef(t *testing.T) {
	zero := strings.Repeat("0", 40)
	sha := strings.Repeat("b", 40)
	if ref := buildableRef([]refUpdate{{zero, sha, "refs/heads/dev"}}); ref != "" {
		t.Fatalf("dev push should not build, got %q", ref)
	}
	if ref := buildableRef([]refUpdate{{zero, sha, BuildRef}}); ref != BuildRef {
		t.Fatalf("master push should build, got %q", ref)
	}
	// Deleting master must not trigger a build.
	if ref := buildableRef([]refUpdate{{sha, zero, BuildRef}}); ref != "" {
		t.Fatalf("ref deletion should not build, got %q", ref)
	}
}

func TestInjectSidebandMessage(t *testing.T) {
	report := append(packetWrite("\x01000eunpack ok\n"), packetFlush()...)
	out := injectSidebandMessage(report, "only master deploys")
	if !bytes.HasSuffix(out, packetFlush()) {
		t.Fatal("flush-pkt must stay terminal")
	}
	if !bytes.Contains(out, []byte("\x02only master deploys\n")) {
		t.Fatalf("message missing from output: %q", out)
	}
	// Output without trailing flush is passed through untouched.
	raw := []byte("unterminated")
	if got := injectSidebandMessage(raw, "x"); !bytes.Equal(got, raw) {
		t.Fatalf("expected passthrough, got %q", got)
	}
}
