package controller

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/canopy-network/engagex/pkg/utils"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionCookie = "ex_session"
	sessionTTL    = 8 * time.Hour
	roleAdmin     = "admin"
)

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func (c *Controller) parseJWT(raw string) (jwt.MapClaims, bool) {
	if raw == "" || len(c.JWTSecret) == 0 {
		return nil, false
	}
	tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return c.JWTSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return nil, false
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	return claims, ok
}

// isAdmin accepts the static admin token (plain or bcrypt-hashed in config), or an HS256 JWT
// with role=admin presented as a bearer token or session cookie.
func (c *Controller) isAdmin(r *http.Request) bool {
	token := bearer(r)
	if utils.MatchSecret(c.AdminToken, token) {
		return true
	}
	if claims, ok := c.parseJWT(token); ok && claims["role"] == roleAdmin {
		return true
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if claims, ok := c.parseJWT(cookie.Value); ok && claims["role"] == roleAdmin {
			return true
		}
	}
	return false
}

// RequireAdmin rejects requests without admin credentials.
func (c *Controller) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.isAdmin(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

// HandleAdminLogin exchanges the admin password for a session cookie.
func (c *Controller) HandleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if len(c.AdminHash) == 0 || len(c.JWTSecret) == 0 || in.Username != c.AdminUser ||
		bcrypt.CompareHashAndPassword(c.AdminHash, []byte(in.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	now := time.Now()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  in.Username,
		"role": roleAdmin,
		"iat":  now.Unix(),
		"exp":  now.Add(sessionTTL).Unix(),
	}).SignedString(c.JWTSecret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unable to issue session")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.SecureCookie,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	writeJSON(w, http.StatusOK, map[string]string{"ok": "1"})
}

func (c *Controller) HandleAdminLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
	w.WriteHeader(http.StatusNoContent)
}
