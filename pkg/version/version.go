package version

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// UserAgent is the string advertised in version messages.
func UserAgent() string {
	return "/bitchan:" + Build + "/"
}
