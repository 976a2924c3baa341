package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"contestbot/internal/config"
	"contestbot/internal/matrix"
	"contestbot/internal/store"
)

func setup(t *testing.T) {
	t.Helper()
	logger = zap.NewNop()
	cfg = config.DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "registrations.sqlite3")
}

func testCommand() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	return cmd, &buf
}

func record(userID int64, name string) store.Record {
	return store.Record{
		UserID:        userID,
		FullName:      name,
		CategoryKey:   "m",
		CategoryLabel: "ذكر",
		GradeKey:      "g5",
		GradeLabel:    "الخامس",
		TrackKey:      "m46_t3",
		TrackTitle:    "مشروع الحفظ",
	}
}

func TestShowMatrixDefault(t *testing.T) {
	setup(t)
	cmd, out := testCommand()
	require.NoError(t, showMatrix(cmd, nil))

	text := out.String()
	assert.Contains(t, text, "[m/grp_4_6]")
	assert.Contains(t, text, "m46_t2")
	assert.Contains(t, text, "o3")
}

func TestValidateMatrixRejectsBadFile(t *testing.T) {
	setup(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("categories: []\n"), 0644))

	cmd, _ := testCommand()
	err := validateMatrix(cmd, []string{path})
	assert.ErrorIs(t, err, matrix.ErrInvalidMatrix)

	cmd, out := testCommand()
	require.NoError(t, validateMatrix(cmd, nil))
	assert.True(t, strings.HasPrefix(out.String(), "OK: 2 categories, 9 grades"))
}

func TestShowRegistration(t *testing.T) {
	setup(t)
	st, err := openStore()
	require.NoError(t, err)
	_, err = st.Save(context.Background(), record(42, "Ali Hassan"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	cmd, out := testCommand()
	require.NoError(t, showRegistration(cmd, []string{"42"}))
	assert.Contains(t, out.String(), "Ali Hassan")
	assert.Contains(t, out.String(), "مشروع الحفظ")

	cmd, out = testCommand()
	require.NoError(t, showRegistration(cmd, []string{"7"}))
	assert.NotContains(t, out.String(), "Ali Hassan")

	cmd, _ = testCommand()
	assert.Error(t, showRegistration(cmd, []string{"ali"}))
}

func TestListRegistrations(t *testing.T) {
	setup(t)
	cmd, out := testCommand()
	require.NoError(t, listRegistrations(cmd, nil))
	assert.Contains(t, out.String(), "No registrations.")

	st, err := openStore()
	require.NoError(t, err)
	for i, name := range []string{"Ali Hassan", "Sara Ahmed"} {
		_, err = st.Save(context.Background(), record(int64(i+1), name))
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())

	cmd, out = testCommand()
	require.NoError(t, listRegistrations(cmd, nil))
	text := out.String()
	assert.Contains(t, text, "Sara Ahmed")
	assert.Less(t, strings.Index(text, "Sara Ahmed"), strings.Index(text, "Ali Hassan"), "newest first")
}

func TestMigrateDedupe(t *testing.T) {
	setup(t)
	cfg.Store.Policy = string(store.PolicyAppend)
	st, err := openStore()
	require.NoError(t, err)
	for _, name := range []string{"Old", "New"} {
		_, err = st.Save(context.Background(), record(1, name))
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())

	cfg.Store.Policy = string(store.PolicyUpsert)
	dedupe = false
	cmd, _ := testCommand()
	assert.ErrorIs(t, runMigrate(cmd, nil), store.ErrDuplicateIdentities)

	dedupe = true
	t.Cleanup(func() { dedupe = false })
	cmd, out := testCommand()
	require.NoError(t, runMigrate(cmd, nil))
	assert.Contains(t, out.String(), "policy=upsert")
	assert.Contains(t, out.String(), "1 registrations")

	st, err = openStore()
	require.NoError(t, err)
	defer st.Close()
	rec, err := st.Latest(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "New", rec.FullName)
}

func TestRootLoadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contestbot.yaml")
	doc := "store:\n  path: " + filepath.Join(dir, "db.sqlite3") + "\nlogging:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", path, "matrix", "validate"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "OK:")
	assert.Equal(t, filepath.Join(dir, "db.sqlite3"), cfg.Store.Path)
	assert.Equal(t, "error", cfg.Logging.Level)
}
