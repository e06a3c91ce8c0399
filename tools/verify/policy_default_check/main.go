// Command policy_default_check verifies the dangerous-command table's
// fallback and reload behavior: a missing file must yield the built-in
// rules, and a bad reload must leave the previous table active.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/cubicle/internal/policy"
)

func main() {
	table, err := policy.Load(filepath.Join(os.TempDir(), "cubicle-missing-policy.yaml"))
	if err != nil {
		fmt.Printf("load_error=%v\n", err)
		os.Exit(1)
	}

	ok := true
	assertDangerous := func(name, command string) {
		verdict, rule := table.Classify(command)
		got := verdict == policy.VerdictDangerous
		fmt.Printf("%s=%v rule=%s\n", name, got, rule)
		if !got {
			ok = false
		}
	}
	assertSafe := func(name, command string) {
		verdict, _ := table.Classify(command)
		got := verdict == policy.VerdictSafe
		fmt.Printf("%s=%v\n", name, got)
		if !got {
			ok = false
		}
	}

	assertDangerous("default_gates_rm", "rm -rf /srv/data")
	assertDangerous("default_gates_prefixed_rm", "/bin/rm -f notes.txt")
	assertDangerous("default_gates_chained_sudo", "ls && sudo apt install curl")
	assertDangerous("default_gates_spawn", "spawn_agent --role researcher")
	assertSafe("default_allows_ls", "ls -la /work")
	assertSafe("default_allows_binary_filename", "cat firmware.bin")

	dir, err := os.MkdirTemp("", "cubicle-policy-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	policyPath := filepath.Join(dir, "dangerous_commands.yaml")
	valid := "rules:\n  - name: archive-writes\n    patterns:\n      - tar\n      - zip\n"
	if err := os.WriteFile(policyPath, []byte(valid), 0o644); err != nil {
		fmt.Printf("write_valid_error=%v\n", err)
		os.Exit(1)
	}
	initial, err := policy.Load(policyPath)
	if err != nil {
		fmt.Printf("load_valid_error=%v\n", err)
		os.Exit(1)
	}
	live := policy.NewLiveTable(initial)
	beforeVersion := live.Version()

	invalid := "rules:\n  - name: broken-rule\n"
	if err := os.WriteFile(policyPath, []byte(invalid), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	reloadErr := policy.ReloadFromFile(live, policyPath)
	fmt.Printf("reload_error_present=%v\n", reloadErr != nil)
	if reloadErr == nil {
		ok = false
	}

	verdict, rule := live.Classify("tar czf backup.tgz /work")
	fmt.Printf("retain_previous_rule=%v rule=%s\n", verdict == policy.VerdictDangerous, rule)
	if verdict != policy.VerdictDangerous {
		ok = false
	}
	fmt.Printf("retain_previous_version=%v\n", live.Version() == beforeVersion)
	if live.Version() != beforeVersion {
		ok = false
	}

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
