package downloader

// PostResult summarises one post's file fetches.
type PostResult struct {
	Service         string   `json:"service"`
	PostID          string   `json:"post_id"`
	Success         bool     `json:"success"`
	Empty           bool     `json:"empty,omitempty"`
	FilesDownloaded int      `json:"files_downloaded"`
	FilesFailed     int      `json:"files_failed"`
	FailedFiles     []string `json:"failed_files,omitempty"`
}

func emptyPostResult(service, postID string) PostResult {
	return PostResult{Service: service, PostID: postID, Success: true, Empty: true}
}

func failedPostResult(service, postID string) PostResult {
	return PostResult{Service: service, PostID: postID}
}

// PostsResult aggregates one fan-out over a working set.
type PostsResult struct {
	Success         bool         `json:"success"`
	PostsDownloaded int          `json:"posts_downloaded"`
	PostsFailed     int          `json:"posts_failed"`
	FailedPosts     []PostResult `json:"failed_posts,omitempty"`
}

func emptyPostsResult() PostsResult {
	return PostsResult{Success: true}
}

// ArtistResult is what a scheduler task records for one artist run.
type ArtistResult struct {
	ArtistID        string       `json:"artist_id"`
	Skipped         bool         `json:"skipped,omitempty"`
	Success         bool         `json:"success"`
	PostsDownloaded int          `json:"posts_downloaded"`
	PostsFailed     int          `json:"posts_failed"`
	FailedPosts     []PostResult `json:"failed_posts,omitempty"`
}

func skippedArtistResult(artistID string) ArtistResult {
	return ArtistResult{ArtistID: artistID, Skipped: true, Success: true}
}

func failedArtistResult(artistID string) ArtistResult {
	return ArtistResult{ArtistID: artistID}
}
