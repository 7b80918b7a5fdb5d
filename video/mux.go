package video

import (
	"net/url"
	"strings"
)

// Mux endpoints for drone feeds.
const (
	MuxStreamBase = "https://stream.mux.com/"
	MuxIngestBase = "rtmp://global-live.mux.com:5222/app/"
)

// MuxPlaybackURL returns the HLS playback URL of a Mux playback id, or ""
// for an empty id.
func MuxPlaybackURL(playbackID string) string {
	playbackID = strings.TrimSpace(playbackID)
	if playbackID == "" {
		return ""
	}
	return MuxStreamBase + url.PathEscape(playbackID) + ".m3u8"
}

// MuxIngestURL returns the RTMP URL a drone publishes to with its stream
// key, or "" for an empty key.
func MuxIngestURL(streamKey string) string {
	streamKey = strings.TrimSpace(streamKey)
	if streamKey == "" {
		return ""
	}
	return MuxIngestBase + url.PathEscape(streamKey)
}
