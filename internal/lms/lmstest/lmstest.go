// Package lmstest runs a fake moodle-like lms over httptest for tests.
package lmstest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

const (
	LoginPath   = "/login/index.php"
	LogoutPath  = "/login/logout.php"
	LandingPath = "/my/"
	CoursePath  = "/course/view.php"

	sessionCookie = "MoodleSession"
	sessionValue  = "fake-session"
)

type Server struct {
	*httptest.Server

	Token    string
	Username string
	Password string

	mu sync.Mutex
	// Courses maps a course id to the html of its course page.
	Courses map[string]string
	// Files maps a request path to the body served for it.
	Files map[string][]byte
	// Failures maps a request path to the amount of 503s served before succeeding.
	Failures map[string]int
	hits     map[string]int
	// expireOn is the path whose next request ends the session.
	expireOn string
	expired  bool
	// LastLoginForm holds the form of the last login post.
	LastLoginForm map[string]string
}

// New starts a fake lms that accepts `username` and `password` and hands out `token` as the
// login token, it is closed when the test ends.
func New(t testing.TB, token, username, password string) *Server {
	s := &Server{
		Token:    token,
		Username: username,
		Password: password,
		Courses:  map[string]string{},
		Files:    map[string][]byte{},
		Failures: map[string]int{},
		hits:     map[string]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) LoginURL() string {
	return s.URL + LoginPath
}

func (s *Server) LandingURL() string {
	return s.URL + LandingPath
}

func (s *Server) CourseURLTemplate() string {
	return s.URL + CoursePath + "?id={course}"
}

func (s *Server) SetCourse(id, html string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Courses[id] = html
}

func (s *Server) SetFile(path string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Files[path] = body
}

func (s *Server) SetFailures(path string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Failures[path] = count
}

// ExpireOn ends the session when `path` is requested next, the request is then redirected to
// the login page like any other unauthenticated one.
func (s *Server) ExpireOn(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireOn = path
}

func (s *Server) LoginForm() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastLoginForm
}

// Hits returns how many requests have been made to `path`.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *Server) authenticated(r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || cookie.Value != sessionValue {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireOn != "" && s.expireOn == r.URL.Path {
		s.expireOn = ""
		s.expired = true
	}
	return !s.expired
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	if s.Failures[r.URL.Path] > 0 {
		s.Failures[r.URL.Path]--
		s.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	switch {
	case r.URL.Path == LoginPath && r.Method == http.MethodPost:
		s.login(w, r)
	case r.URL.Path == LoginPath:
		s.loginPage(w)
	case r.URL.Path == LogoutPath:
		s.mu.Lock()
		s.expired = true
		s.mu.Unlock()
		http.Redirect(w, r, LoginPath, http.StatusSeeOther)
	case !s.authenticated(r):
		http.Redirect(w, r, LoginPath, http.StatusSeeOther)
	case r.URL.Path == LandingPath:
		fmt.Fprint(w, "<html><body><h1>Dashboard</h1></body></html>")
	case r.URL.Path == CoursePath:
		s.mu.Lock()
		page, ok := s.Courses[r.URL.Query().Get("id")]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("content-type", "text/html; charset=utf-8")
		fmt.Fprint(w, page)
	default:
		s.mu.Lock()
		body, ok := s.Files[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}
}

func (s *Server) loginPage(w http.ResponseWriter) {
	w.Header().Set("content-type", "text/html; charset=utf-8")
	token := ""
	if s.Token != "" {
		token = fmt.Sprintf(`<input type="hidden" name="logintoken" value="%s">`, s.Token)
	}
	fmt.Fprintf(w, `<html><body><form action="%s" method="post">
%s
<input type="text" name="username">
<input type="password" name="password">
</form></body></html>`, LoginPath, token)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	form := map[string]string{}
	for key := range r.PostForm {
		form[key] = r.PostForm.Get(key)
	}
	s.mu.Lock()
	s.LastLoginForm = form
	s.mu.Unlock()

	if form["logintoken"] != s.Token ||
		form["username"] != s.Username ||
		form["password"] != s.Password {
		http.Redirect(w, r, LoginPath, http.StatusSeeOther)
		return
	}

	s.mu.Lock()
	s.expired = false
	s.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: sessionValue, Path: "/"})
	http.Redirect(w, r, LandingPath, http.StatusSeeOther)
}
