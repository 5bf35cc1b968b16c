// Package mongo implements the comment store on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nanohit/dah-comments/pkg/models"
	"github.com/nanohit/dah-comments/pkg/storage"
)

const collComments = "comments"

// commentDoc is the stored shape of a comment: the shared model flattened
// into the document plus the topic it belongs to.
type commentDoc struct {
	TopicScope     string `bson:"topic_scope"`
	TopicID        string `bson:"topic_id"`
	models.Comment `bson:",inline"`
}

func (d commentDoc) topic() models.Topic {
	return models.Topic{Scope: d.TopicScope, ID: d.TopicID}
}

type Storage struct {
	client *mongo.Client
	dbName string
}

func New(ctx context.Context, conf *Config) (*Storage, error) {
	client, err := mongo.Connect(ctx, conf.Options())
	if err != nil {
		return nil, err
	}

	s := Storage{client: client, dbName: conf.DBName}
	if err := s.createCollection(ctx, collComments); err != nil {
		return nil, fmt.Errorf("failed to bootstrap collection %s: %w", collComments, err)
	}

	return &s, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Storage) Close(ctx context.Context) {
	s.client.Disconnect(ctx)
}

func (s *Storage) comments() *mongo.Collection {
	return s.client.Database(s.dbName).Collection(collComments)
}

// Comments returns the nested comment forest for a topic in creation order
// on every level. A topic without comments yields an empty forest.
func (s *Storage) Comments(ctx context.Context, topic models.Topic) ([]*models.Comment, error) {
	if topic.IsZero() {
		return nil, storage.ErrTopicNotProvided
	}

	opts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "_id", Value: 1},
	})

	cur, err := s.comments().Find(ctx, bson.M{
		"topic_scope": topic.Scope,
		"topic_id":    topic.ID,
	}, opts)
	if err != nil {
		return nil, err
	}

	var comments []models.Comment
	if err := cur.All(ctx, &comments); err != nil {
		return nil, err
	}

	commentMap := make(map[string]*models.Comment, len(comments))
	for i := range comments {
		commentMap[comments[i].ID] = &comments[i]
	}

	roots := []*models.Comment{}
	for i := range comments {
		c := &comments[i]
		if c.ParentID == "" {
			roots = append(roots, c)
		} else if parent, ok := commentMap[c.ParentID]; ok {
			parent.Children = append(parent.Children, c)
		}
	}

	return roots, nil
}

// CreateComment inserts a new comment under a topic.
//
// If the comment's ID or CreatedAt are zero values, they are generated here.
// When ParentID is set, the parent comment must exist under the same topic.
func (s *Storage) CreateComment(ctx context.Context, topic models.Topic, comment models.Comment) (models.Comment, error) {
	if topic.IsZero() {
		return models.Comment{}, storage.ErrTopicNotProvided
	}

	comment, err := storage.FillServerFields(comment)
	if err != nil {
		return models.Comment{}, err
	}

	if comment.ParentID != "" {
		cnt, err := s.comments().CountDocuments(ctx, bson.M{
			"_id":         comment.ParentID,
			"topic_scope": topic.Scope,
			"topic_id":    topic.ID,
		})
		if err != nil {
			return models.Comment{}, err
		}
		if cnt == 0 {
			return models.Comment{}, storage.ErrParentCommentNotFound
		}
	}

	doc := commentDoc{TopicScope: topic.Scope, TopicID: topic.ID, Comment: comment}
	if _, err := s.comments().InsertOne(ctx, doc); err != nil {
		return models.Comment{}, err
	}

	return comment, nil
}

// UpdateComment replaces the content of an existing comment.
func (s *Storage) UpdateComment(ctx context.Context, commentID, content string) (models.Comment, models.Topic, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc commentDoc
	err := s.comments().FindOneAndUpdate(ctx,
		bson.M{"_id": commentID},
		bson.M{"$set": bson.M{"content": content}},
		opts,
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Comment{}, models.Topic{}, storage.ErrCommentNotFound
		}
		return models.Comment{}, models.Topic{}, err
	}

	return doc.Comment, doc.topic(), nil
}

// DeleteComment removes a comment and every descendant. Mongo cannot walk the
// parent chain server-side without an aggregation, so the subtree is collected
// here from the topic's flat document set and removed in one DeleteMany.
func (s *Storage) DeleteComment(ctx context.Context, commentID string) (models.Comment, models.Topic, error) {
	var doc commentDoc
	err := s.comments().FindOne(ctx, bson.M{"_id": commentID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Comment{}, models.Topic{}, storage.ErrCommentNotFound
		}
		return models.Comment{}, models.Topic{}, err
	}

	cur, err := s.comments().Find(ctx, bson.M{
		"topic_scope": doc.TopicScope,
		"topic_id":    doc.TopicID,
	})
	if err != nil {
		return models.Comment{}, models.Topic{}, err
	}

	var all []commentDoc
	if err := cur.All(ctx, &all); err != nil {
		return models.Comment{}, models.Topic{}, err
	}

	children := make(map[string][]string, len(all))
	for _, d := range all {
		if d.ParentID != "" {
			children[d.ParentID] = append(children[d.ParentID], d.ID)
		}
	}

	ids := []string{}
	stack := []string{commentID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		ids = append(ids, id)
		stack = append(stack, children[id]...)
	}

	_, err = s.comments().DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return models.Comment{}, models.Topic{}, err
	}

	return doc.Comment, doc.topic(), nil
}

// ApplyReaction toggles a like or dislike by userID on a comment.
func (s *Storage) ApplyReaction(ctx context.Context, commentID, userID string, reaction models.Reaction) (models.Comment, models.Topic, error) {
	if !reaction.Valid() {
		return models.Comment{}, models.Topic{}, storage.ErrUnknownReaction
	}

	var doc commentDoc
	err := s.comments().FindOne(ctx, bson.M{"_id": commentID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Comment{}, models.Topic{}, storage.ErrCommentNotFound
		}
		return models.Comment{}, models.Topic{}, err
	}

	doc.Comment.ApplyReaction(userID, reaction)

	_, err = s.comments().ReplaceOne(ctx, bson.M{"_id": commentID}, doc)
	if err != nil {
		return models.Comment{}, models.Topic{}, err
	}

	return doc.Comment, doc.topic(), nil
}

// createCollection creates a collection with the given name in the database if it doesn't already exist.
func (s *Storage) createCollection(ctx context.Context, collName string) error {
	collExists, err := collectionExists(ctx, s.client.Database(s.dbName), collName)
	if err != nil {
		return err
	}

	if !collExists {
		err := s.client.Database(s.dbName).CreateCollection(ctx, collName)
		if err != nil {
			return err
		}
	}

	return nil
}

// collectionExists checks if a collection with the given name exists in the database.
func collectionExists(ctx context.Context, db *mongo.Database, collName string) (bool, error) {
	names, err := db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return false, fmt.Errorf("failed to list collection names: %w", err)
	}

	for _, name := range names {
		if name == collName {
			return true, nil
		}
	}

	return false, nil
}
