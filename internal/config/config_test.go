package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaults(t *testing.T) {
	cfg := Config{BaseURL: "https://lms.example.edu/"}
	err := cfg.Normalize()
	if err != nil {
		t.Fatal(err)
	}

	require.Equal(t, "https://lms.example.edu/login/index.php", cfg.LoginURL)
	require.Equal(t, "https://lms.example.edu/my/", cfg.LandingURL)
	require.Equal(t, "https://lms.example.edu/course/view.php?id={course}", cfg.CourseURL)
	require.Equal(t, "downloads", cfg.DownloadRoot)
	require.Equal(t, "courses.txt", cfg.CourseList)
	require.Equal(t, "@every 6h", cfg.Schedule)
	require.Equal(t, 30*time.Second, cfg.HTTP.TimeoutDuration)
	require.Equal(t, 3, cfg.HTTP.Retries)
	require.Equal(t, "a[href]", cfg.Crawl.Selector)
	require.Equal(t, 4, cfg.Crawl.Concurrency)
	require.Equal(t, "text", cfg.Log.Format)
}

func TestNormalizeRejectsAmbiguousLanding(t *testing.T) {
	cfg := Config{
		BaseURL:    "https://lms.example.edu",
		LandingURL: "https://LMS.example.edu:443/login/index.php",
	}
	err := cfg.Normalize()
	require.ErrorContains(t, err, "landing_url equals login_url")
}

func TestNormalizeReportsEveryProblem(t *testing.T) {
	cfg := Config{
		CourseURL: "https://lms.example.edu/course",
		HTTP:      HTTPConfig{Timeout: "soon"},
		Log:       LogConfig{Format: "xml"},
	}
	err := cfg.Normalize()
	require.ErrorContains(t, err, "base_url is required")
	require.ErrorContains(t, err, "course_url: must contain {course}")
	require.ErrorContains(t, err, "http.timeout")
	require.ErrorContains(t, err, "log.format")
}

func TestCoursePageURL(t *testing.T) {
	cfg := Config{BaseURL: "https://lms.example.edu"}
	err := cfg.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "https://lms.example.edu/course/view.php?id=CS+101", cfg.CoursePageURL("CS 101"))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lmsfetch.json5")
	err := os.WriteFile(path, []byte(`{
		base_url: "https://lms.example.edu",
		http: { timeout: "5s", retries: 1 },
	}`), 0600)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, 5*time.Second, cfg.HTTP.TimeoutDuration)
	require.Equal(t, 1, cfg.HTTP.Retries)

	_, err = Load(filepath.Join(dir, "missing.json5"))
	require.Error(t, err)
}
