package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/civic-records/internal/config"
	"github.com/jcmexdev/civic-records/internal/coordinator"
	"github.com/jcmexdev/civic-records/internal/records"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(dir, "db", "records.db")
	cfg.RepoPath = filepath.Join(dir, "repo")
	return cfg
}

func build(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func createOrdinance(t *testing.T, a *App) *coordinator.Mutation {
	t.Helper()
	m, err := a.Service.Create(context.Background(), coordinator.CreateInput{
		Title: "Noise Ordinance", Type: "bylaw", Status: records.StatusApproved, Body: "Quiet hours.",
	}, "key-1")
	require.NoError(t, err)
	return m
}

func TestBuildLocal(t *testing.T) {
	a := build(t, testConfig(t))

	m := createOrdinance(t, a)
	assert.Equal(t, 1, m.Record.Version)

	again := createOrdinance(t, a)
	assert.True(t, again.Replayed)
	assert.Equal(t, m.Record.ID, again.Record.ID)

	outcomes, err := a.RecoverStale(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestBuildWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()
	a := build(t, cfg)

	m := createOrdinance(t, a)
	assert.NotEmpty(t, mr.Keys())

	rec, err := a.Service.GetRecord(context.Background(), m.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, "Noise Ordinance", rec.Title)
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()
	mr.Close()

	_, err := Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestHandlerServesRecords(t *testing.T) {
	a := build(t, testConfig(t))
	srv := httptest.NewServer(a.Handler)
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Post(srv.URL+"/records", "application/json",
		strings.NewReader(`{"id":"noise-1","title":"Noise Ordinance","type":"bylaw","status":"approved"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/records/noise-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/records/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
