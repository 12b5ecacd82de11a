package matchers

import (
	"regexp"
	"strings"
)

var (
	// Assets matches static resources
	Assets *regexp.Regexp

	// AuthEndpoints matches paths that accept credentials
	AuthEndpoints *regexp.Regexp

	// SQLInjection, XSS and PathTraversal are the request signature sets
	SQLInjection  []*regexp.Regexp
	XSS           []*regexp.Regexp
	PathTraversal []*regexp.Regexp

	// ScannerAgents are user agent substrings of vulnerability scanners
	ScannerAgents = []string{
		"sqlmap", "nikto", "nmap", "masscan", "zgrab", "nuclei", "dirbuster", "gobuster",
		"wpscan", "acunetix", "nessus", "openvas", "burpsuite", "w3af", "havij", "zmeu", "feroxbuster",
	}

	// BotAgents are user agent substrings of automated clients
	BotAgents = []string{
		"bot", "crawler", "spider", "curl", "wget", "python-requests", "python-urllib", "headless",
		"phantomjs", "selenium", "puppeteer", "scrapy", "go-http-client", "java/", "okhttp", "libwww",
	}

	// SensitivePaths are path fragments that only probes ask for
	SensitivePaths = []string{
		"/.git/", "/.env", "/.svn/", "/.htaccess", "/.aws/", "/wp-admin", "/wp-login.php",
		"/phpmyadmin", "/admin.php", "/config.php", "/server-status", "/actuator", "/cgi-bin/",
		"/.ds_store", "/backup.sql", "/web.config",
	}
)

func init() {
	Assets = regexp.MustCompile(`\.(jpe?g|png|gif|webp|tiff?|pdf|css|js|woff2?|ttf|eot|svg|ttc|ico|map)\b`)
	AuthEndpoints = regexp.MustCompile(`(?i)/(auth|login|log-in|signin|sign-in|session|sessions|token|oauth|password|account/verify)\b`)

	SQLInjection = compile(
		`(?i)\bunion\b[\s\S]*\bselect\b`,
		`(?i)\b(or|and)\b\s+['"]?\w+['"]?\s*=\s*['"]?\w+`,
		`(?i)'\s*(or|and)\s+'?\d`,
		`(?i);\s*(drop|delete|insert|update|alter|create|truncate)\s+`,
		`(?i)\b(sleep|benchmark|pg_sleep|waitfor\s+delay)\s*\(`,
		`(?i)(--|#|/\*)\s*$`,
		`(?i)\b(information_schema|sysobjects|xp_cmdshell)\b`,
	)

	XSS = compile(
		`(?i)<\s*script[^>]*>`,
		`(?i)javascript\s*:`,
		`(?i)\bon(error|load|click|mouseover|focus|submit)\s*=`,
		`(?i)<\s*(iframe|object|embed|svg|img)[^>]*>`,
		`(?i)\b(alert|prompt|confirm)\s*\(`,
		`(?i)document\.(cookie|location|write)`,
	)

	PathTraversal = compile(
		`\.\./`,
		`\.\.\\`,
		`(?i)%2e%2e(%2f|%5c|/|\\)`,
		`(?i)/etc/(passwd|shadow|hosts)`,
		`(?i)(c:|%systemroot%)\\windows`,
		`(?i)\bproc/self/`,
	)
}

func compile(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		res[i] = regexp.MustCompile(p)
	}
	return res
}

// CountMatches returns how many of the patterns match any of the inputs
func CountMatches(patterns []*regexp.Regexp, inputs ...string) (int, []string) {
	count := 0
	var matched []string
	for _, p := range patterns {
		for _, in := range inputs {
			if p.MatchString(in) {
				count++
				matched = append(matched, p.String())
				break
			}
		}
	}
	return count, matched
}

// ContainsAny returns the first needle that s contains, ignoring case
func ContainsAny(s string, needles []string) (string, bool) {
	s = strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(s, n) {
			return n, true
		}
	}
	return "", false
}
