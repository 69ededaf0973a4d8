package seq

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	chatmodel "studybuddy/module/chat/model"
)

// DAO leases sequence segments out of the seq_conversation collection.
type DAO struct{ DB *mongo.Database }

// AllocSegment atomically claims a segment: issued_seq += block, returning
// [start, end]. Concurrent claimers from different instances get disjoint
// ranges, which is what makes Append's numbering race-free.
func (d *DAO) AllocSegment(ctx context.Context, chatID string, block int64) (start, end int64, err error) {
	if block <= 0 {
		block = 256
	}
	c := d.DB.Collection(chatmodel.SeqConvTableName)
	now := time.Now()

	filter := bson.M{chatmodel.SeqConvFieldChatID: chatID}
	update := bson.M{
		"$inc":         bson.M{chatmodel.SeqConvFieldIssuedSeq: block},
		"$setOnInsert": bson.M{chatmodel.SeqConvFieldMaxSeq: int64(0), chatmodel.SeqConvFieldMinSeq: int64(0), chatmodel.SeqConvFieldCreateTime: now},
		"$set":         bson.M{chatmodel.SeqConvFieldUpdateTime: now},
	}

	var before struct {
		IssuedSeq int64 `bson:"issued_seq"`
	}
	err = c.FindOneAndUpdate(
		ctx, filter, update,
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.Before),
	).Decode(&before)
	if err != nil && err != mongo.ErrNoDocuments {
		return 0, 0, err
	}
	old := before.IssuedSeq // zero when the doc did not exist
	return old + 1, old + block, nil
}

// AdvanceCommit raises the committed-readable waterline: max_seq = max(max_seq, toSeq).
func (d *DAO) AdvanceCommit(ctx context.Context, chatID string, toSeq int64) error {
	c := d.DB.Collection(chatmodel.SeqConvTableName)
	_, err := c.UpdateOne(ctx,
		bson.M{chatmodel.SeqConvFieldChatID: chatID},
		bson.M{"$max": bson.M{chatmodel.SeqConvFieldMaxSeq: toSeq}, "$set": bson.M{chatmodel.SeqConvFieldUpdateTime: time.Now()}},
		options.Update().SetUpsert(true),
	)
	return err
}

// MaxSeq reads the committed waterline for one chat (0 when unknown).
func (d *DAO) MaxSeq(ctx context.Context, chatID string) (int64, error) {
	c := d.DB.Collection(chatmodel.SeqConvTableName)
	var doc chatmodel.SeqConversation
	err := c.FindOne(ctx, bson.M{chatmodel.SeqConvFieldChatID: chatID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.MaxSeq, nil
}
