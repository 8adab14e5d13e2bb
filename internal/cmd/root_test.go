package cmd

import "testing"

func TestRootCommandHasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := map[string]bool{"source": false, "dest": false, "inspect": false}

	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}

	for name, found := range want {
		if !found {
			t.Errorf("expected subcommand %q to be registered", name)
		}
	}
}

func TestSourceCommandAliasesMigrateFrom(t *testing.T) {
	root := NewRootCmd()

	found, _, err := root.Find([]string{"migrate-from", "addr"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	if found.Name() != "source" {
		t.Fatalf("expected migrate-from to resolve to source, got %q", found.Name())
	}
}

func TestDestCommandAliasesMigrateTo(t *testing.T) {
	root := NewRootCmd()

	found, _, err := root.Find([]string{"migrate-to"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	if found.Name() != "dest" {
		t.Fatalf("expected migrate-to to resolve to dest, got %q", found.Name())
	}
}
