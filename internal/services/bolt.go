package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/MegaGrindStone/askstream/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the chat Store using a BoltDB backend. Chats live in a single bucket keyed by
// their id; each chat owns a bucket of messages keyed by insertion sequence plus an index bucket
// mapping message ids to those keys.
type BoltDB struct {
	db *bolt.DB
}

var chatsBucket = []byte("chats")

type storedChat struct {
	models.Chat
	Seq uint64
}

// NewBoltDB opens (or creates with 0600 permissions) the database at path and initializes the
// chats bucket.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create chats bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Per-chat bucket prefixes differ in their first byte, so no chat id can name another chat's bucket.
func messageBucketName(chatID string) []byte {
	return []byte("msgs-" + chatID)
}

func messageIndexBucketName(chatID string) []byte {
	return []byte("idx-" + chatID)
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Chats returns every chat, most recently created first.
func (b BoltDB) Chats(context.Context) ([]models.Chat, error) {
	var stored []storedChat
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var sc storedChat
			if err := json.Unmarshal(v, &sc); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			stored = append(stored, sc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(stored, func(a, b storedChat) int {
		switch {
		case a.Seq > b.Seq:
			return -1
		case a.Seq < b.Seq:
			return 1
		default:
			return 0
		}
	})

	chats := make([]models.Chat, len(stored))
	for i := range stored {
		chats[i] = stored[i].Chat
	}
	return chats, nil
}

// Chat returns the chat with the given id, or an error wrapping models.ErrNotFound.
func (b BoltDB) Chat(_ context.Context, chatID string) (models.Chat, error) {
	var sc storedChat
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(chatsBucket).Get([]byte(chatID))
		if v == nil {
			return fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
		}
		return json.Unmarshal(v, &sc)
	})
	if err != nil {
		return models.Chat{}, err
	}
	return sc.Chat, nil
}

// AddChat stores a new chat under its own id and creates its message buckets. Adding a chat whose
// id already exists is an error.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (string, error) {
	if chat.ID == "" {
		return "", errors.New("chat id is required")
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		chats := tx.Bucket(chatsBucket)
		if chats.Get([]byte(chat.ID)) != nil {
			return fmt.Errorf("chat %s already exists", chat.ID)
		}

		seq, err := chats.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(messageIndexBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message index bucket: %w", err)
		}

		v, err := json.Marshal(storedChat{Chat: chat, Seq: seq})
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		return chats.Put([]byte(chat.ID), v)
	})
	if err != nil {
		return "", err
	}
	return chat.ID, nil
}

// UpdateChat replaces an existing chat record, keeping its position in the chat list.
func (b BoltDB) UpdateChat(_ context.Context, chat models.Chat) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		chats := tx.Bucket(chatsBucket)

		v := chats.Get([]byte(chat.ID))
		if v == nil {
			return fmt.Errorf("chat %s: %w", chat.ID, models.ErrNotFound)
		}
		var sc storedChat
		if err := json.Unmarshal(v, &sc); err != nil {
			return fmt.Errorf("failed to unmarshal chat: %w", err)
		}

		v, err := json.Marshal(storedChat{Chat: chat, Seq: sc.Seq})
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		return chats.Put([]byte(chat.ID), v)
	})
}

// Messages returns the messages of a chat in the order they were added.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage appends a message to a chat and returns its id.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.Message) (string, error) {
	if message.ID == "" {
		return "", errors.New("message id is required")
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		index := tx.Bucket(messageIndexBucketName(chatID))
		if bucket == nil || index == nil {
			return fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		key := seqKey(seq)

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := bucket.Put(key, v); err != nil {
			return err
		}
		return index.Put([]byte(message.ID), key)
	})
	if err != nil {
		return "", err
	}
	return message.ID, nil
}

// UpdateMessage replaces an existing message of a chat.
func (b BoltDB) UpdateMessage(_ context.Context, chatID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		index := tx.Bucket(messageIndexBucketName(chatID))
		if bucket == nil || index == nil {
			return fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
		}

		key := index.Get([]byte(message.ID))
		if key == nil {
			return fmt.Errorf("message %s: %w", message.ID, models.ErrNotFound)
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bucket.Put(key, v)
	})
}
