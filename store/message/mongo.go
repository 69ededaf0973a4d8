package message

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"studybuddy/logger"
	chatmodel "studybuddy/module/chat/model"
	"studybuddy/store/seq"
	"studybuddy/tools/errs"
	"studybuddy/tools/ids"
)

const collReadCursor = "read_cursor"

// MongoStore persists messages in Mongo with seqs issued by the segment
// allocator. Read watermarks live in the read_cursor collection, one doc per
// (chat, user), advanced with $max so regressions are impossible even under
// races.
type MongoStore struct {
	MsgColl    *mongo.Collection
	CursorColl *mongo.Collection
	Alloc      *seq.Allocator
	DAO        *seq.DAO
	Members    Membership
}

func NewMongoStore(db *mongo.Database, alloc *seq.Allocator, dao *seq.DAO, members Membership) *MongoStore {
	return &MongoStore{
		MsgColl:    db.Collection(chatmodel.MsgTableName),
		CursorColl: db.Collection(collReadCursor),
		Alloc:      alloc,
		DAO:        dao,
		Members:    members,
	}
}

// EnsureIndexes creates the unique (chat_id, seq) index the ordering contract
// depends on. Call once at boot.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.MsgColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	// Serves the client_ref dedupe lookup on the retry path.
	_, err = s.MsgColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "client_ref", Value: 1}},
	})
	if err != nil {
		return err
	}
	_, err = s.CursorColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *MongoStore) Append(ctx context.Context, chatID, senderID, body string, attachments []string, clientRef string) (*chatmodel.MessageModel, error) {
	if body == "" || len(body) > chatmodel.MaxBodyBytes {
		return nil, errs.ErrValidation.WrapMsg("bad body size", "len", len(body))
	}
	ok, err := s.Members.ChatExists(ctx, chatID)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
	if !ok {
		return nil, errs.ErrChatNotFound.WrapMsg("chat", "id", chatID)
	}
	ok, err = s.Members.IsMember(ctx, chatID, senderID)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg(err.Error())
	}
	if !ok {
		return nil, errs.ErrSenderNotMember.WrapMsg("sender", "user", senderID)
	}

	// A retried send carries the same client_ref: hand back the stored copy
	// instead of inserting a second one. The first attempt may have died
	// between the insert and the waterline bump, so heal the waterline here.
	if clientRef != "" {
		var prev chatmodel.MessageModel
		ferr := s.MsgColl.FindOne(ctx,
			bson.M{"chat_id": chatID, "sender_id": senderID, "client_ref": clientRef},
		).Decode(&prev)
		if ferr == nil {
			if cerr := s.DAO.AdvanceCommit(ctx, chatID, prev.Seq); cerr != nil {
				return nil, errs.ErrStoreUnavailable.WrapMsg("advance commit", "err", cerr)
			}
			return &prev, nil
		}
		if ferr != mongo.ErrNoDocuments {
			return nil, errs.ErrStoreUnavailable.WrapMsg("dedupe lookup", "err", ferr)
		}
	}

	n, err := s.Alloc.Next(ctx, chatID)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("seq alloc", "err", err)
	}

	now := time.Now().UnixMilli()
	m := &chatmodel.MessageModel{
		ServerMsgID: ids.GenerateString(),
		ChatID:      chatID,
		SenderID:    senderID,
		ClientRef:   clientRef,
		Seq:         n,
		Body:        body,
		Attachments: attachments,
		SendTime:    now,
		CreateTime:  now,
		Status:      chatmodel.MsgStatusNormal,
	}
	if _, err := s.MsgColl.InsertOne(ctx, m); err != nil {
		// The seq is already burned; seal the slot with a tombstone so the
		// numbering stays dense for gap-detecting clients.
		s.sealSlot(ctx, chatID, n)
		return nil, errs.ErrStoreUnavailable.WrapMsg("insert", "err", err)
	}
	// The commit waterline covers the slot last. If this bump fails the
	// message is durable anyway; the retried Append dedupes on client_ref
	// and finishes the bump.
	if err := s.DAO.AdvanceCommit(ctx, chatID, n); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("advance commit", "err", err)
	}
	return m, nil
}

// sealSlot writes a tombstone for a seq whose message insert failed.
// Best effort: if the store is down this fails too and the slot stays open
// until a later repair.
func (s *MongoStore) sealSlot(ctx context.Context, chatID string, seqNo int64) {
	now := time.Now().UnixMilli()
	_, err := s.MsgColl.InsertOne(ctx, &chatmodel.MessageModel{
		ServerMsgID: ids.GenerateString(),
		ChatID:      chatID,
		Seq:         seqNo,
		SendTime:    now,
		CreateTime:  now,
		Status:      chatmodel.MsgStatusDeleted,
	})
	if err != nil {
		logger.Warnf("[store] seal slot failed chat=%s seq=%d: %v", chatID, seqNo, err)
	}
}

func (s *MongoStore) FetchSince(ctx context.Context, chatID string, afterSeq int64, limit int) ([]chatmodel.MessageModel, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	cur, err := s.MsgColl.Find(ctx,
		bson.M{"chat_id": chatID, "seq": bson.M{"$gt": afterSeq}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("find", "err", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []chatmodel.MessageModel
	for cur.Next(ctx) {
		var m chatmodel.MessageModel
		if err := cur.Decode(&m); err != nil {
			return nil, errs.ErrStoreUnavailable.WrapMsg("decode", "err", err)
		}
		if m.Tombstoned() {
			redact(&m)
		}
		out = append(out, m)
	}
	if err := cur.Err(); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("cursor", "err", err)
	}
	return out, nil
}

func (s *MongoStore) MarkRead(ctx context.Context, chatID, userID string, upToSeq int64) (int64, error) {
	if upToSeq < 0 {
		return 0, errs.ErrValidation.WrapMsg("negative seq")
	}
	var doc struct {
		ReadSeq int64 `bson:"read_seq"`
	}
	err := s.CursorColl.FindOneAndUpdate(ctx,
		bson.M{"chat_id": chatID, "user_id": userID},
		bson.M{
			"$max": bson.M{"read_seq": upToSeq},
			"$set": bson.M{"updated_at": time.Now().UnixMilli()},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WrapMsg("mark read", "err", err)
	}
	return doc.ReadSeq, nil
}

func (s *MongoStore) ReadSeq(ctx context.Context, chatID, userID string) (int64, error) {
	var doc struct {
		ReadSeq int64 `bson:"read_seq"`
	}
	err := s.CursorColl.FindOne(ctx, bson.M{"chat_id": chatID, "user_id": userID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WrapMsg("read seq", "err", err)
	}
	return doc.ReadSeq, nil
}

func (s *MongoStore) MaxSeq(ctx context.Context, chatID string) (int64, error) {
	n, err := s.DAO.MaxSeq(ctx, chatID)
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WrapMsg("max seq", "err", err)
	}
	return n, nil
}

func (s *MongoStore) EditMessage(ctx context.Context, chatID string, seqNo int64, callerID, newBody string) (*chatmodel.MessageModel, error) {
	if newBody == "" || len(newBody) > chatmodel.MaxBodyBytes {
		return nil, errs.ErrValidation.WrapMsg("bad body size", "len", len(newBody))
	}
	m, err := s.findOne(ctx, chatID, seqNo)
	if err != nil {
		return nil, err
	}
	if m.SenderID != callerID {
		return nil, errs.ErrForbidden.WrapMsg("edit by non-sender", "user", callerID)
	}
	if m.Tombstoned() {
		return nil, errs.ErrValidation.WrapMsg("message deleted")
	}
	now := time.Now().UnixMilli()
	_, err = s.MsgColl.UpdateOne(ctx,
		bson.M{"chat_id": chatID, "seq": seqNo},
		bson.M{"$set": bson.M{"body": newBody, "status": chatmodel.MsgStatusEdited, "edited_at": now}},
	)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("edit", "err", err)
	}
	m.Body = newBody
	m.Status = chatmodel.MsgStatusEdited
	m.EditedAt = now
	return m, nil
}

func (s *MongoStore) SoftDelete(ctx context.Context, chatID string, seqNo int64, callerID string, moderator bool) error {
	m, err := s.findOne(ctx, chatID, seqNo)
	if err != nil {
		return err
	}
	if m.SenderID != callerID && !moderator {
		return errs.ErrForbidden.WrapMsg("delete by non-sender", "user", callerID)
	}
	// Tombstone: redact content, keep the slot so the seq line stays gap-free.
	_, err = s.MsgColl.UpdateOne(ctx,
		bson.M{"chat_id": chatID, "seq": seqNo},
		bson.M{"$set": bson.M{"body": "", "attachments": nil, "status": chatmodel.MsgStatusDeleted}},
	)
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("soft delete", "err", err)
	}
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, chatID string, seqNo int64) (*chatmodel.MessageModel, error) {
	var m chatmodel.MessageModel
	err := s.MsgColl.FindOne(ctx, bson.M{"chat_id": chatID, "seq": seqNo}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrChatNotFound.WrapMsg("message", "seq", seqNo)
	}
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("find one", "err", err)
	}
	return &m, nil
}

func redact(m *chatmodel.MessageModel) {
	m.Body = ""
	m.Attachments = nil
}
