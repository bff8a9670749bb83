package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeProjectConfig(t *testing.T, projectDir, body string) {
	t.Helper()
	stateDir := filepath.Join(projectDir, StateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, "config.yaml"), []byte(strings.TrimSpace(body)), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestNewConfigDefaultsWhenMissing(t *testing.T) {
	projectDir := t.TempDir()
	t.Setenv(VarFrameworkDir, "")
	t.Setenv(VarLibDepsDir, "")
	t.Setenv(VarPackagesDir, filepath.Join(projectDir, "packages"))
	c, err := NewConfig(projectDir, Overrides{})
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	if c.Project.Version != 1 {
		t.Fatalf("expected default version == 1, got %d", c.Project.Version)
	}
	if c.SentinelSuffix() != ".patching-done" {
		t.Fatalf("sentinel suffix = %q", c.SentinelSuffix())
	}
	if c.PatchCommand() != "patch" {
		t.Fatalf("patch command = %q", c.PatchCommand())
	}
	entries, err := c.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 default entries, got %d", len(entries))
	}
	want := filepath.Join(projectDir, "packages", "framework-arduinopico", "libraries",
		"Adafruit_TinyUSB_Arduino", "src", "arduino", "Adafruit_USBH_Host.cpp")
	if entries[0].Target != want {
		t.Fatalf("target = %s, want %s", entries[0].Target, want)
	}
	if entries[0].Patch != filepath.Join(projectDir, "patches", "1-adafruit-usbh-host.patch") {
		t.Fatalf("patch path not resolved against project: %s", entries[0].Patch)
	}
	if !entries[0].Enabled || entries[1].Enabled || entries[2].Enabled {
		t.Fatalf("unexpected enabled flags: %+v", entries)
	}
}

func TestNewConfigParsesYaml(t *testing.T) {
	projectDir := t.TempDir()
	t.Setenv(VarLibDepsDir, "/opt/libdeps")
	t.Setenv(VarFrameworkDir, "")
	writeProjectConfig(t, projectDir, `
version: 1
patch_command: gpatch
sentinel_suffix: .done
patches:
  - name: sdfat
    patch: fixes/sdfat.patch
    target: ${PROJECT_LIBDEPS_DIR}/pico/SdFat/src/SdFatConfig.h
  - patch: /abs/usb.patch
    target: ${PROJECT_DIR}/lib/usb/host.cpp
    enabled: true
`)
	c, err := NewConfig(projectDir, Overrides{FrameworkDir: "fw"})
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	if c.PatchCommand() != "gpatch" || c.SentinelSuffix() != ".done" {
		t.Fatalf("unexpected command/suffix: %q %q", c.PatchCommand(), c.SentinelSuffix())
	}
	if c.Vars[VarFrameworkDir] != filepath.Join(projectDir, "fw") {
		t.Fatalf("framework override not applied: %s", c.Vars[VarFrameworkDir])
	}
	entries, err := c.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	want := []Entry{
		{
			Name:    "sdfat",
			Patch:   filepath.Join(projectDir, "fixes", "sdfat.patch"),
			Target:  filepath.Clean("/opt/libdeps/pico/SdFat/src/SdFatConfig.h"),
			Enabled: true,
		},
		{
			Name:    filepath.Join(projectDir, "lib", "usb", "host.cpp"),
			Patch:   filepath.Clean("/abs/usb.patch"),
			Target:  filepath.Join(projectDir, "lib", "usb", "host.cpp"),
			Enabled: true,
		},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestNewConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing target": `
patches:
  - name: a
    patch: a.patch
`,
		"duplicate name": `
patches:
  - name: a
    patch: a.patch
    target: a.c
  - name: a
    patch: b.patch
    target: b.c
`,
		"unknown variable": `
patches:
  - name: a
    patch: a.patch
    target: ${NOPE}/a.c
`,
		"shared target": `
patches:
  - name: a
    patch: a.patch
    target: ${PROJECT_DIR}/src/a.c
  - name: b
    patch: b.patch
    target: src/a.c
`,
		"suffix with separator": `
sentinel_suffix: /done
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			projectDir := t.TempDir()
			writeProjectConfig(t, projectDir, body)
			if _, err := NewConfig(projectDir, Overrides{}); err == nil {
				t.Fatalf("expected validation error but got none")
			}
		})
	}
}

func TestResolveVarsPrecedence(t *testing.T) {
	env := map[string]string{
		VarLibDepsDir:             "/env/libdeps",
		"PLATFORMIO_PACKAGES_DIR": "/pio/packages",
	}
	getenv := func(key string) string { return env[key] }

	vars := resolveVars("/proj", "framework-arduinopico", Overrides{}, getenv)
	if vars[VarLibDepsDir] != filepath.Clean("/env/libdeps") {
		t.Fatalf("libdeps = %s", vars[VarLibDepsDir])
	}
	if vars[VarFrameworkDir] != filepath.Join("/pio/packages", "framework-arduinopico") {
		t.Fatalf("framework = %s", vars[VarFrameworkDir])
	}

	vars = resolveVars("/proj", "framework-arduinopico", Overrides{LibDepsDir: "/flag/libdeps"}, getenv)
	if vars[VarLibDepsDir] != filepath.Clean("/flag/libdeps") {
		t.Fatalf("flag override ignored: %s", vars[VarLibDepsDir])
	}

	vars = resolveVars("/proj", "framework-arduinopico", Overrides{}, func(string) string { return "" })
	if vars[VarLibDepsDir] != filepath.Join("/proj", ".pio", "libdeps") {
		t.Fatalf("default libdeps = %s", vars[VarLibDepsDir])
	}
}

func TestInitStateDirKeepsExistingConfig(t *testing.T) {
	projectDir := t.TempDir()
	writeProjectConfig(t, projectDir, "version: 2\n")
	if err := InitStateDir(projectDir); err != nil {
		t.Fatalf("init: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(projectDir, StateDir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "version: 2" {
		t.Fatalf("existing config overwritten: %q", data)
	}
	if info, err := os.Stat(filepath.Join(projectDir, StateDir, "logs")); err != nil || !info.IsDir() {
		t.Fatalf("logs dir not created: %v", err)
	}
}

func TestNewConfigUnnamedEntriesAtTwoInstallLocations(t *testing.T) {
	projectDir := t.TempDir()
	t.Setenv(VarFrameworkDir, "/fw")
	t.Setenv(VarLibDepsDir, "/libdeps")
	writeProjectConfig(t, projectDir, `
patches:
  - patch: patches/1-adafruit-usbh-host.patch
    target: ${FRAMEWORK_DIR}/libraries/Adafruit_TinyUSB_Arduino/src/arduino/Adafruit_USBH_Host.cpp
  - patch: patches/1-adafruit-usbh-host.patch
    target: "${PROJECT_LIBDEPS_DIR}/pico/Adafruit TinyUSB Library/src/arduino/Adafruit_USBH_Host.cpp"
`)
	c, err := NewConfig(projectDir, Overrides{})
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	entries, err := c.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	want := []string{
		filepath.Clean("/fw/libraries/Adafruit_TinyUSB_Arduino/src/arduino/Adafruit_USBH_Host.cpp"),
		filepath.Clean("/libdeps/pico/Adafruit TinyUSB Library/src/arduino/Adafruit_USBH_Host.cpp"),
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Name)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("entry names mismatch (-want +got):\n%s", diff)
	}
}
