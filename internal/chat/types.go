package chat

// Post is the subset of the platform's post object the bridge cares about.
// Transient: validated on arrival, never persisted.
type Post struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	RootID    string `json:"root_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
}

// Team is a directory entry returned by the team listing API.
type Team struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// Channel is a directory entry returned by the channel listing API.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// User identifies an account; used to learn the bot's own identity.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}
