package events

import (
	"time"

	"github.com/goccy/go-json"
)

// Catalog event names.
const (
	NameThreadCreated                  Name = "ThreadCreated"
	NameThreadUpvoted                  Name = "ThreadUpvoted"
	NameCommentCreated                 Name = "CommentCreated"
	NameCommentUpvoted                 Name = "CommentUpvoted"
	NameUserMentioned                  Name = "UserMentioned"
	NameCommunityCreated               Name = "CommunityCreated"
	NameGroupCreated                   Name = "GroupCreated"
	NameSnapshotProposalCreated        Name = "SnapshotProposalCreated"
	NameDiscordMessageCreated          Name = "DiscordMessageCreated"
	NameChainEventCreated              Name = "ChainEventCreated"
	NameContestStarted                 Name = "ContestStarted"
	NameContestContentAdded            Name = "ContestContentAdded"
	NameContestContentUpvoted          Name = "ContestContentUpvoted"
	NameSubscriptionPreferencesUpdated Name = "SubscriptionPreferencesUpdated"
)

// Catalog returns the definitions of every forum event.
func Catalog() []Definition {
	return []Definition{
		Define[ThreadCreated](),
		Define[ThreadUpvoted](),
		Define[CommentCreated](),
		Define[CommentUpvoted](),
		Define[UserMentioned](),
		Define[CommunityCreated](),
		Define[GroupCreated](),
		Define[SnapshotProposalCreated](),
		Define[DiscordMessageCreated](),
		Define[ChainEventCreated](),
		Define[ContestStarted](),
		Define[ContestContentAdded](),
		Define[ContestContentUpvoted](),
		Define[SubscriptionPreferencesUpdated](),
	}
}

// NewCatalogRegistry builds a registry holding the whole catalog.
func NewCatalogRegistry() (*Registry, error) {
	return NewRegistry(Catalog()...)
}

// ContestManager links a thread to a running contest.
type ContestManager struct {
	ContestAddress string `json:"contest_address" validate:"required,eth_addr"`
	Ended          bool   `json:"ended,omitempty"`
}

// ThreadCreated is emitted when a thread is posted in a community.
type ThreadCreated struct {
	ID              int64            `json:"id" validate:"required,gt=0"`
	CommunityID     string           `json:"community_id" validate:"required,max=255"`
	AddressID       int64            `json:"address_id" validate:"required,gt=0"`
	Title           string           `json:"title" validate:"required,max=255"`
	Body            string           `json:"body,omitempty"`
	Kind            string           `json:"kind" validate:"required,oneof=discussion link"`
	Stage           string           `json:"stage,omitempty"`
	URL             string           `json:"url,omitempty" validate:"omitempty,url"`
	TopicID         int64            `json:"topic_id,omitempty" validate:"omitempty,gt=0"`
	ReadOnly        bool             `json:"read_only,omitempty"`
	ContestManagers []ContestManager `json:"contest_managers,omitempty" validate:"omitempty,dive"`
	CreatedAt       time.Time        `json:"created_at" validate:"required"`
}

func (ThreadCreated) EventName() Name { return NameThreadCreated }

// ThreadUpvoted is emitted when an address upvotes a thread.
type ThreadUpvoted struct {
	ID                     int64            `json:"id" validate:"required,gt=0"`
	ThreadID               int64            `json:"thread_id" validate:"required,gt=0"`
	AddressID              int64            `json:"address_id" validate:"required,gt=0"`
	CommunityID            string           `json:"community_id" validate:"required"`
	Reaction               string           `json:"reaction" validate:"required,oneof=like"`
	CalculatedVotingWeight string           `json:"calculated_voting_weight,omitempty" validate:"omitempty,numeric"`
	ContestManagers        []ContestManager `json:"contest_managers,omitempty" validate:"omitempty,dive"`
	CreatedAt              time.Time        `json:"created_at" validate:"required"`
}

func (ThreadUpvoted) EventName() Name { return NameThreadUpvoted }

// CommentCreated is emitted when a comment is added to a thread.
type CommentCreated struct {
	ID             int64     `json:"id" validate:"required,gt=0"`
	ThreadID       int64     `json:"thread_id" validate:"required,gt=0"`
	AddressID      int64     `json:"address_id" validate:"required,gt=0"`
	ParentID       *int64    `json:"parent_id,omitempty" validate:"omitempty,gt=0"`
	CommunityID    string    `json:"community_id" validate:"required"`
	Body           string    `json:"body" validate:"required"`
	UsersMentioned []int64   `json:"users_mentioned,omitempty" validate:"omitempty,dive,gt=0"`
	CreatedAt      time.Time `json:"created_at" validate:"required"`
}

func (CommentCreated) EventName() Name { return NameCommentCreated }

// CommentUpvoted is emitted when an address upvotes a comment.
type CommentUpvoted struct {
	ID          int64     `json:"id" validate:"required,gt=0"`
	CommentID   int64     `json:"comment_id" validate:"required,gt=0"`
	AddressID   int64     `json:"address_id" validate:"required,gt=0"`
	CommunityID string    `json:"community_id" validate:"required"`
	Reaction    string    `json:"reaction" validate:"required,oneof=like"`
	CreatedAt   time.Time `json:"created_at" validate:"required"`
}

func (CommentUpvoted) EventName() Name { return NameCommentUpvoted }

// UserMentioned references either a thread or a comment.
type UserMentioned struct {
	AuthorAddressID int64  `json:"author_address_id" validate:"required,gt=0"`
	AuthorUserID    int64  `json:"author_user_id" validate:"required,gt=0"`
	AuthorAddress   string `json:"author_address" validate:"required"`
	MentionedUserID int64  `json:"mentioned_user_id" validate:"required,gt=0"`
	CommunityID     string `json:"community_id" validate:"required"`
	ThreadID        *int64 `json:"thread_id,omitempty" validate:"required_without=CommentID,omitempty,gt=0"`
	CommentID       *int64 `json:"comment_id,omitempty" validate:"required_without=ThreadID,omitempty,gt=0"`
}

func (UserMentioned) EventName() Name { return NameUserMentioned }

// CommunityCreated is emitted when a community is created.
type CommunityCreated struct {
	CommunityID string    `json:"community_id" validate:"required,max=255"`
	UserID      int64     `json:"user_id" validate:"required,gt=0"`
	Name        string    `json:"name" validate:"required"`
	Base        string    `json:"base" validate:"required,oneof=ethereum cosmos solana near"`
	CreatedAt   time.Time `json:"created_at" validate:"required"`
}

func (CommunityCreated) EventName() Name { return NameCommunityCreated }

// GroupCreated is emitted when a member group is added to a community.
type GroupCreated struct {
	GroupID       int64  `json:"group_id" validate:"required,gt=0"`
	CommunityID   string `json:"community_id" validate:"required"`
	CreatorUserID int64  `json:"creator_user_id" validate:"required,gt=0"`
	Name          string `json:"name,omitempty"`
}

func (GroupCreated) EventName() Name { return NameGroupCreated }

// SnapshotProposalCreated carries a Snapshot space proposal.
type SnapshotProposalCreated struct {
	ID      string   `json:"id" validate:"required"`
	Space   string   `json:"space" validate:"required"`
	Event   string   `json:"event" validate:"required,oneof=proposal/created proposal/start proposal/end proposal/deleted"`
	Title   string   `json:"title,omitempty"`
	Body    string   `json:"body,omitempty"`
	Choices []string `json:"choices,omitempty"`
	Start   int64    `json:"start,omitempty" validate:"omitempty,gt=0"`
	Expire  int64    `json:"expire,omitempty" validate:"omitempty,gtfield=Start"`
}

func (SnapshotProposalCreated) EventName() Name { return NameSnapshotProposalCreated }

// DiscordUser is the author of a Discord message.
type DiscordUser struct {
	ID       string `json:"id" validate:"required"`
	Username string `json:"username" validate:"required"`
}

// DiscordMessageCreated is a message seen by the Discord listener.
type DiscordMessageCreated struct {
	User            DiscordUser `json:"user" validate:"required"`
	Title           string      `json:"title,omitempty"`
	Content         string      `json:"content" validate:"required"`
	MessageID       string      `json:"message_id" validate:"required"`
	ChannelID       string      `json:"channel_id" validate:"required"`
	ParentChannelID string      `json:"parent_channel_id,omitempty"`
	GuildID         string      `json:"guild_id" validate:"required"`
	ImageURLs       []string    `json:"image_urls,omitempty" validate:"omitempty,dive,url"`
	Action          string      `json:"action" validate:"required,oneof=create update delete"`
}

func (DiscordMessageCreated) EventName() Name { return NameDiscordMessageCreated }

// ChainEventCreated carries the raw shape of an indexed contract log.
type ChainEventCreated struct {
	EventSignature  string          `json:"event_signature" validate:"required,startswith=0x,len=66"`
	ContractAddress string          `json:"contract_address" validate:"required,eth_addr"`
	ChainNodeID     int64           `json:"chain_node_id" validate:"required,gt=0"`
	BlockNumber     uint64          `json:"block_number" validate:"required"`
	TransactionHash string          `json:"transaction_hash" validate:"required,startswith=0x,len=66"`
	ParsedArgs      json.RawMessage `json:"parsed_args,omitempty"`
}

func (ChainEventCreated) EventName() Name { return NameChainEventCreated }

// ContestStarted is emitted when a contest round begins.
type ContestStarted struct {
	ContestAddress string    `json:"contest_address" validate:"required,eth_addr"`
	ContestID      int64     `json:"contest_id" validate:"gte=0"`
	StartTime      time.Time `json:"start_time" validate:"required"`
	EndTime        time.Time `json:"end_time" validate:"required,gtfield=StartTime"`
	IsOneOff       bool      `json:"is_one_off"`
}

func (ContestStarted) EventName() Name { return NameContestStarted }

// ContestContentAdded is emitted when content is submitted to a contest.
type ContestContentAdded struct {
	ContestAddress string `json:"contest_address" validate:"required,eth_addr"`
	ContentID      int64  `json:"content_id" validate:"gte=0"`
	CreatorAddress string `json:"creator_address" validate:"required,eth_addr"`
	ContentURL     string `json:"content_url" validate:"required,url"`
}

func (ContestContentAdded) EventName() Name { return NameContestContentAdded }

// ContestContentUpvoted is emitted when contest content is upvoted.
type ContestContentUpvoted struct {
	ContestAddress string `json:"contest_address" validate:"required,eth_addr"`
	ContestID      int64  `json:"contest_id" validate:"gte=0"`
	ContentID      int64  `json:"content_id" validate:"gte=0"`
	VoterAddress   string `json:"voter_address" validate:"required,eth_addr"`
	VotingPower    string `json:"voting_power" validate:"required,numeric"`
}

func (ContestContentUpvoted) EventName() Name { return NameContestContentUpvoted }

// SubscriptionPreferencesUpdated carries only the preferences that changed.
type SubscriptionPreferencesUpdated struct {
	ID                             int64     `json:"id" validate:"required,gt=0"`
	UserID                         int64     `json:"user_id" validate:"required,gt=0"`
	EmailNotificationsEnabled      *bool     `json:"email_notifications_enabled,omitempty"`
	DigestEmailEnabled             *bool     `json:"digest_email_enabled,omitempty"`
	RecapEmailEnabled              *bool     `json:"recap_email_enabled,omitempty"`
	MobilePushNotificationsEnabled *bool     `json:"mobile_push_notifications_enabled,omitempty"`
	UpdatedAt                      time.Time `json:"updated_at" validate:"required"`
}

func (SubscriptionPreferencesUpdated) EventName() Name { return NameSubscriptionPreferencesUpdated }
