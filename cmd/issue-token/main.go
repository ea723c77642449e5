package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/logger"
	"github.com/stemsi/exstem-guard/internal/service"
	"golang.org/x/term"
)

var allPermissions = []string{
	service.PermissionMonitorRead,
	service.PermissionSessionsWrite,
	service.PermissionSettingsWrite,
}

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Issue Access Token ===")

	fmt.Print("Token type (student/admin): ")
	kind, _ := reader.ReadString('\n')
	kind = strings.TrimSpace(strings.ToLower(kind))
	if kind != string(service.TokenTypeStudent) && kind != string(service.TokenTypeAdmin) {
		fmt.Println("Error: type must be student or admin")
		return
	}

	fmt.Print("User ID: ")
	idStr, _ := reader.ReadString('\n')
	userID, err := strconv.Atoi(strings.TrimSpace(idStr))
	if err != nil || userID <= 0 {
		fmt.Println("Error: User ID must be a positive number")
		return
	}

	var permissions []string
	if kind == string(service.TokenTypeAdmin) {
		fmt.Printf("Permissions, comma separated (blank = %s): ", strings.Join(allPermissions, ","))
		raw, _ := reader.ReadString('\n')
		permissions = parsePermissions(raw)
	}

	// Signing secret
	secret := cfg.JWTSecret
	if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Print("Signing secret (blank = JWT_SECRET): ")
		byteSecret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println() // Newline after secret input
		if err != nil {
			fmt.Println("Error reading secret")
			return
		}
		if s := strings.TrimSpace(string(byteSecret)); s != "" {
			secret = s
		}
	}

	// ─── Issue ─────────────────────────────────────────────────────────
	auth := service.NewAuthService(secret, cfg.JWTExpiry)
	var token string
	if kind == string(service.TokenTypeAdmin) {
		token, err = auth.IssueAdminToken(userID, permissions)
	} else {
		token, err = auth.IssueStudentToken(userID)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	log.Info().Str("type", kind).Int("user_id", userID).Strs("permissions", permissions).Dur("expiry", cfg.JWTExpiry).Msg("Token issued")
	fmt.Println(token)
}

// parsePermissions keeps the known permissions from a comma-separated list.
// An empty list grants all of them.
func parsePermissions(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return allPermissions
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		for _, known := range allPermissions {
			if p == known {
				out = append(out, p)
			}
		}
	}
	return out
}
