// Package registry хранит привязки пользователь ↔ WS-соединение в Redis,
// чтобы любой инстанс мог узнать, куда доставлять события пользователя.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/redis/go-redis/v9"
)

var ErrUnavailable = errors.New("connection registry unavailable")

const defaultTTL = 2 * time.Minute

type Registry struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func New(client redis.UniversalClient, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Registry{client: client, ttl: ttl}
}

// Dial: ParseURL + Ping, как в остальных сервисах.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// pruneStale снимает члена множества, только если его обратный ключ
// по-прежнему не указывает на пользователя. Проверка и SREM атомарны,
// поэтому соединение, привязанное заново между MGET и чисткой, остаётся.
// KEYS[1] = множество, KEYS[i+1] = chat:conn:<id>; ARGV[1] = владелец, ARGV[i+1] = id.
var pruneStale = redis.NewScript(`
local removed = 0
for i = 1, #ARGV - 1 do
	if redis.call('GET', KEYS[i + 1]) ~= ARGV[1] then
		removed = removed + redis.call('SREM', KEYS[1], ARGV[i + 1])
	end
end
return removed
`)

func connKey(connID string) string {
	return fmt.Sprintf("chat:conn:%s", connID)
}

func userConnsKey(userID domain.UserID) string {
	return fmt.Sprintf("chat:user:%d:conns", int64(userID))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Bind регистрирует connID за userID. Повторный вызов только продлевает TTL.
func (r *Registry) Bind(ctx context.Context, userID domain.UserID, connID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, connKey(connID), userID.String(), r.ttl)
		p.SAdd(ctx, userConnsKey(userID), connID)
		p.Expire(ctx, userConnsKey(userID), r.ttl)
		return nil
	})
	if err != nil {
		return unavailable("bind", err)
	}
	return nil
}

// Touch продлевает привязку; вызывается на pong.
func (r *Registry) Touch(ctx context.Context, userID domain.UserID, connID string) error {
	return r.Bind(ctx, userID, connID)
}

// Unbind снимает привязку. Отсутствующий connID не ошибка.
func (r *Registry) Unbind(ctx context.Context, connID string) error {
	owner, err := r.client.GetDel(ctx, connKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return unavailable("unbind", err)
	}

	uid, err := strconv.ParseInt(owner, 10, 64)
	if err != nil {
		// мусор в ключе: сам ключ уже удалён, больше сделать нечего
		return nil
	}
	if err := r.client.SRem(ctx, userConnsKey(domain.UserID(uid)), connID).Err(); err != nil {
		return unavailable("unbind", err)
	}
	return nil
}

// ConnectionsOf возвращает живые соединения пользователя. Члены множества,
// у которых истёк обратный ключ (упавший инстанс), выбрасываются и
// удаляются из множества.
func (r *Registry) ConnectionsOf(ctx context.Context, userID domain.UserID) ([]string, error) {
	members, err := r.client.SMembers(ctx, userConnsKey(userID)).Result()
	if err != nil {
		return nil, unavailable("connectionsOf", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, id := range members {
		keys[i] = connKey(id)
	}
	owners, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("connectionsOf", err)
	}

	want := userID.String()
	live := make([]string, 0, len(members))
	var stale []string
	for i, o := range owners {
		if s, ok := o.(string); ok && s == want {
			live = append(live, members[i])
			continue
		}
		stale = append(stale, members[i])
	}
	if len(stale) > 0 {
		// best-effort: при ошибке почистим в следующий раз
		_ = r.prune(ctx, userID, stale)
	}

	return live, nil
}

func (r *Registry) prune(ctx context.Context, userID domain.UserID, stale []string) error {
	keys := make([]string, 0, len(stale)+1)
	args := make([]any, 0, len(stale)+1)
	keys = append(keys, userConnsKey(userID))
	args = append(args, userID.String())
	for _, id := range stale {
		keys = append(keys, connKey(id))
		args = append(args, id)
	}
	return pruneStale.Run(ctx, r.client, keys, args...).Err()
}

// OwnerOf: обратный поиск; ok=false если привязки нет.
func (r *Registry) OwnerOf(ctx context.Context, connID string) (domain.UserID, bool, error) {
	v, err := r.client.Get(ctx, connKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("ownerOf", err)
	}
	uid, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return domain.UserID(uid), true, nil
}

func (r *Registry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
