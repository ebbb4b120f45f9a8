package downloader

// supportedSites lists the hosts advertised to clients. yt-dlp handles far
// more; these are the ones exercised in practice.
var supportedSites = []string{
	"youtube.com",
	"youtu.be",
	"vimeo.com",
	"dailymotion.com",
	"facebook.com",
	"instagram.com",
	"twitter.com",
	"x.com",
	"tiktok.com",
	"twitch.tv",
	"reddit.com",
	"soundcloud.com",
	"bilibili.com",
	"streamable.com",
	"rumble.com",
}

// SupportedSites returns a copy of the advertised site list.
func SupportedSites() []string {
	return append([]string(nil), supportedSites...)
}
