package cache

import (
	"time"

	"github.com/dyluth/conduit/pkg/codec"
)

// Guild is the cached snapshot of a guild, used to diff GUILD_UPDATE events.
type Guild struct {
	ID          codec.Snowflake `msgpack:"id"`
	Name        string          `msgpack:"name"`
	OwnerID     codec.Snowflake `msgpack:"owner_id"`
	Icon        string          `msgpack:"icon,omitempty"`
	MemberCount int64           `msgpack:"member_count,omitempty"`
	Roles       []Role          `msgpack:"roles"`
}

// Role is part of a guild snapshot.
type Role struct {
	ID          codec.Snowflake `msgpack:"id"`
	Name        string          `msgpack:"name"`
	Permissions string          `msgpack:"permissions"`
	Position    int64           `msgpack:"position"`
}

// Member is the cached snapshot of a guild member.
type Member struct {
	GuildID codec.Snowflake   `msgpack:"guild_id"`
	UserID  codec.Snowflake   `msgpack:"user_id"`
	Nick    string            `msgpack:"nick,omitempty"`
	Roles   []codec.Snowflake `msgpack:"roles"`
}

// Channel is the cached snapshot of a guild channel.
type Channel struct {
	ID       codec.Snowflake `msgpack:"id"`
	GuildID  codec.Snowflake `msgpack:"guild_id"`
	Name     string          `msgpack:"name"`
	Type     int64           `msgpack:"type"`
	ParentID codec.Snowflake `msgpack:"parent_id,omitempty"`
}

var (
	// GuildSnapshot caches guilds by guild id.
	GuildSnapshot = &Entity[Guild]{
		Name:   "guild",
		Prefix: "guild",
		TTL:    15 * time.Minute,
		Codec:  codec.Msgpack[Guild](),
	}

	// MemberSnapshot caches members by MemberID(guild, user).
	MemberSnapshot = &Entity[Member]{
		Name:   "member",
		Prefix: "member",
		TTL:    5 * time.Minute,
		Codec:  codec.Msgpack[Member](),
	}

	// ChannelSnapshot caches channels by channel id.
	ChannelSnapshot = &Entity[Channel]{
		Name:   "channel",
		Prefix: "channel",
		TTL:    10 * time.Minute,
		Codec:  codec.Msgpack[Channel](),
	}
)

// MemberID builds the cache id of a member.
func MemberID(guildID, userID codec.Snowflake) string {
	return guildID.String() + ":" + userID.String()
}

// GuildFromValue extracts a guild snapshot from a GUILD_CREATE or
// GUILD_UPDATE dispatch payload. ok is false when the payload has no id.
func GuildFromValue(v codec.Value) (Guild, bool) {
	m, isMap := v.(codec.Map)
	if !isMap {
		return Guild{}, false
	}
	id, ok := m.ID("id")
	if !ok {
		return Guild{}, false
	}

	g := Guild{ID: id, Roles: []Role{}}
	g.Name, _ = m.String("name")
	g.Icon, _ = m.String("icon")
	g.OwnerID, _ = m.ID("owner_id")
	if n, ok := m["member_count"].(codec.Int); ok {
		g.MemberCount = int64(n)
	}

	if roles, ok := m["roles"].(codec.Array); ok {
		for _, r := range roles {
			rm, ok := r.(codec.Map)
			if !ok {
				continue
			}
			roleID, ok := rm.ID("id")
			if !ok {
				continue
			}
			role := Role{ID: roleID}
			role.Name, _ = rm.String("name")
			role.Permissions, _ = rm.String("permissions")
			if p, ok := rm["position"].(codec.Int); ok {
				role.Position = int64(p)
			}
			g.Roles = append(g.Roles, role)
		}
	}
	return g, true
}
