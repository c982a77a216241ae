package server

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"forumlink-core/internal/version"
)

const bannerWidth = 56

var (
	bannerCyan  = color.New(color.FgCyan).SprintFunc()
	bannerBold  = color.New(color.Bold).SprintFunc()
	bannerGreen = color.New(color.FgGreen).SprintFunc()
	bannerFaint = color.New(color.Faint).SprintFunc()
)

// DisplayStartupBanner 显示启动信息横幅
func (s *Server) DisplayStartupBanner(configPath string) {
	fmt.Println()
	fmt.Printf("  %s  %s\n", bannerCyan("⬢ ForumLink"), bannerFaint(version.GetShortVersion()))
	fmt.Println()

	fmt.Println(bannerBold("  Server Information"))
	fmt.Println(bannerFaint("  " + strings.Repeat("─", bannerWidth)))
	fmt.Printf("  %-14s %s\n", "Config:", configPath)
	fmt.Printf("  %-14s %s\n", "Listen:", s.config.Server.ListenAddr)
	fmt.Printf("  %-14s %s\n", "Storage:", s.config.Storage.Type)
	fmt.Printf("  %-14s %.1f req/s (%s)\n", "Rate limit:", s.config.RateLimit.RequestsPerSecond, s.config.RateLimit.Strategy)
	if s.config.Forum.BaseURL != "" {
		fmt.Printf("  %-14s %s\n", "Forum:", s.config.Forum.BaseURL)
	}
	fmt.Println(bannerFaint("  " + strings.Repeat("─", bannerWidth)))
	fmt.Printf("  %s\n", bannerGreen("Ready"))
	fmt.Println()
}
