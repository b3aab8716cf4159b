package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/italolelis/luafetch/internal/logctx"
	"github.com/italolelis/luafetch/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name string
	body string
}

func writeZip(t *testing.T, dir string, entries ...entry) string {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)

		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	p := filepath.Join(dir, "temp_1.part")
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))

	return p
}

func names(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.Base(p)
	}

	sort.Strings(out)

	return out
}

func newInstaller(t *testing.T) (*Installer, string, string) {
	t.Helper()

	target := t.TempDir()
	scratch := t.TempDir()

	return New(Options{TargetDir: target}), target, scratch
}

func TestInstall_ArchiveInstallsPrimaryEntriesOnly(t *testing.T) {
	inst, target, scratch := newInstaller(t)

	p := writeZip(t, scratch,
		entry{"a.lua", "print('a')"},
		entry{"nested/b.LUA", "print('b')"},
		entry{"readme.txt", "hello"},
		entry{"nested/", ""},
	)

	var stages []Stage

	files, err := inst.Install(context.Background(), 1, p, func(s Stage) { stages = append(stages, s) })
	require.NoError(t, err)

	assert.Len(t, files, 2)
	assert.Equal(t, []string{"a.lua", "b.LUA"}, names(files))
	assert.Equal(t, []Stage{StageExtracting, StageInstalling}, stages)

	for _, f := range files {
		assert.True(t, filepath.IsAbs(f))
		assert.Equal(t, target, filepath.Dir(f))
	}

	got, err := os.ReadFile(filepath.Join(target, "a.lua"))
	require.NoError(t, err)
	assert.Equal(t, "print('a')", string(got))

	assert.NoFileExists(t, filepath.Join(target, "readme.txt"))
	assert.NoFileExists(t, p)
}

func TestInstall_ArchiveWithoutPrimaryEntriesInstallsEverything(t *testing.T) {
	inst, target, scratch := newInstaller(t)

	p := writeZip(t, scratch,
		entry{"readme.txt", "hello"},
		entry{"depot.manifest", "m"},
		entry{"LICENSE", "mit"},
	)

	files, err := inst.Install(context.Background(), 7, p, nil)
	require.NoError(t, err)

	assert.Len(t, files, 3)
	assert.Equal(t, []string{"7.manifest", "7.txt", "7_1.txt"}, names(files))

	got, err := os.ReadFile(filepath.Join(target, "7.manifest"))
	require.NoError(t, err)
	assert.Equal(t, "m", string(got))
}

func TestInstall_CollidingNamesKeepEveryEntry(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
		want    map[string]string
	}{
		{
			name:    "suffixed name already taken",
			entries: []entry{{"x_1.lua", "one"}, {"a/x.lua", "a"}, {"b/x.lua", "b"}},
			want:    map[string]string{"x_1.lua": "one", "x.lua": "a", "x_2.lua": "b"},
		},
		{
			name:    "same base name",
			entries: []entry{{"a/x.lua", "a"}, {"b/x.lua", "b"}, {"c/x.lua", "c"}},
			want:    map[string]string{"x.lua": "a", "x_1.lua": "b", "x_2.lua": "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, target, scratch := newInstaller(t)

			files, err := inst.Install(context.Background(), 3, writeZip(t, scratch, tt.entries...), nil)
			require.NoError(t, err)
			assert.Len(t, files, len(tt.want))

			for name, body := range tt.want {
				got, err := os.ReadFile(filepath.Join(target, name))
				require.NoError(t, err, name)
				assert.Equal(t, body, string(got), name)
			}
		})
	}
}

func TestInstall_LogsItemIDOnce(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := logctx.WithLogger(context.Background(), logger.With("item_id", int64(5)))

	inst, _, scratch := newInstaller(t)

	p := writeZip(t, scratch, entry{"a.lua", "print('a')"}, entry{"readme.txt", "hello"})

	_, err := inst.Install(ctx, 5, p, nil)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)

	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"item_id"`), line)
	}
}

func TestInstall_SingleFile(t *testing.T) {
	inst, target, scratch := newInstaller(t)

	p := filepath.Join(scratch, "temp_42.part")
	require.NoError(t, os.WriteFile(p, []byte("addappid(42)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(target, "42.lua"), []byte("old"), 0o644))

	var stages []Stage

	files, err := inst.Install(context.Background(), 42, p, func(s Stage) { stages = append(stages, s) })
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(target, "42.lua")}, files)
	assert.Equal(t, []Stage{StageInstalling}, stages)

	got, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "addappid(42)", string(got))
	assert.NoFileExists(t, p)
}

func TestInstall_CorruptArchive(t *testing.T) {
	inst, _, scratch := newInstaller(t)

	p := filepath.Join(scratch, "temp_1.part")
	require.NoError(t, os.WriteFile(p, []byte("PK\x03\x04 definitely not a zip"), 0o644))

	_, err := inst.Install(context.Background(), 1, p, nil)

	var archiveErr *transfer.ArchiveError
	require.ErrorAs(t, err, &archiveErr)

	var extractionErr *transfer.ExtractionError
	assert.False(t, errors.As(err, &extractionErr))
	assert.NoFileExists(t, p)
}

func TestInstall_EmptyArchiveIsExtractionError(t *testing.T) {
	inst, _, scratch := newInstaller(t)

	p := writeZip(t, scratch, entry{"only-a-dir/", ""})

	_, err := inst.Install(context.Background(), 1, p, nil)

	var extractionErr *transfer.ExtractionError
	require.ErrorAs(t, err, &extractionErr)
	assert.Equal(t, 0, extractionErr.Entries)
	assert.NoFileExists(t, p)
}

func TestInstall_OversizedEntriesFail(t *testing.T) {
	target := t.TempDir()
	inst := New(Options{TargetDir: target, MaxEntrySize: 4})

	p := writeZip(t, t.TempDir(), entry{"big.lua", "0123456789"})

	_, err := inst.Install(context.Background(), 1, p, nil)

	var extractionErr *transfer.ExtractionError
	require.ErrorAs(t, err, &extractionErr)
	assert.Equal(t, 1, extractionErr.Entries)
	assert.Contains(t, err.Error(), "exceeds")
	assert.NoFileExists(t, filepath.Join(target, "big.lua"))
}

func TestRemove(t *testing.T) {
	inst, target, _ := newInstaller(t)

	for _, name := range []string{"5.lua", "5.lua.disabled", "5_100.manifest", "5_200.manifest", "55.lua", "6_1.manifest"} {
		require.NoError(t, os.WriteFile(filepath.Join(target, name), nil, 0o644))
	}

	res, err := inst.Remove(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, res.NotFound())
	assert.ElementsMatch(t, []string{"5.lua", "5.lua.disabled", "5_100.manifest", "5_200.manifest"}, res.Removed)

	assert.FileExists(t, filepath.Join(target, "55.lua"))
	assert.FileExists(t, filepath.Join(target, "6_1.manifest"))
}

func TestRemove_NothingFound(t *testing.T) {
	inst, _, _ := newInstaller(t)

	res, err := inst.Remove(context.Background(), 999)
	require.NoError(t, err)
	assert.True(t, res.NotFound())
	assert.Empty(t, res.Removed)
}
