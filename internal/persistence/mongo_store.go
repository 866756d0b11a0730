package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/conveyor/pkg/api"
)

// MongoStore implements the store interfaces on MongoDB collections.
//
// Version-guarded writes are expressed as FindOneAndUpdate with a
// {_id, version} filter plus {$inc: {version: 1}}, so a lost update can
// never be silent: a losing writer simply matches no document and the
// miss is classified as ErrConflict (or ErrAlreadyStarted for the
// idempotency guard).
//
// All methods use the caller's ctx unmodified; inside InTransaction that
// ctx carries the driver session, which is how every operation joins the
// transaction.
type MongoStore struct {
	client      *mongo.Client
	tasks       *mongo.Collection
	workflows   *mongo.Collection
	processings *mongo.Collection
	logs        *mongo.Collection
}

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "conveyor" if empty.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "conveyor"
	}
	db := client.Database(dbName)
	return &MongoStore{
		client:      client,
		tasks:       db.Collection("tasks"),
		workflows:   db.Collection("workflows"),
		processings: db.Collection("task_processings"),
		logs:        db.Collection("processing_logs"),
	}
}

// Ensure MongoStore implements the interfaces.
var (
	_ CatalogStore        = (*MongoStore)(nil)
	_ TaskProcessingStore = (*MongoStore)(nil)
	_ ProcessingLogStore  = (*MongoStore)(nil)
	_ Transactor          = (*MongoStore)(nil)
)

// NewMongoPersistence bundles a single MongoStore behind all four
// interfaces.
func NewMongoPersistence(client *mongo.Client, dbName string) Persistence {
	st := NewMongoStore(client, dbName)
	return Persistence{
		Catalog:     st,
		Processings: st,
		Logs:        st,
		Tx:          st,
	}
}

// EnsureIndexes creates the unique index on task names. Call once at
// startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.tasks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

type mongoTaskDoc struct {
	ID             string    `bson:"_id"`
	Name           string    `bson:"name"`
	Description    string    `bson:"description,omitempty"`
	StageName      string    `bson:"stage_name,omitempty"`
	TaskQueueName  string    `bson:"task_queue_name,omitempty"`
	ReplyQueueName string    `bson:"reply_queue_name,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

type mongoTaskRefDoc struct {
	TaskID         string `bson:"task_id"`
	TaskName       string `bson:"task_name"`
	TaskQueueName  string `bson:"task_queue_name,omitempty"`
	ReplyQueueName string `bson:"reply_queue_name,omitempty"`
}

type mongoWorkflowDoc struct {
	ID                string            `bson:"_id"`
	Name              string            `bson:"name"`
	Description       string            `bson:"description,omitempty"`
	TaskConfiguration []mongoTaskRefDoc `bson:"task_configuration"`
	CreatedAt         time.Time         `bson:"created_at"`
	UpdatedAt         time.Time         `bson:"updated_at"`
}

type mongoProcessingDoc struct {
	ID             string     `bson:"_id"`
	LogID          string     `bson:"log_id,omitempty"`
	StashID        string     `bson:"stash_id"`
	ArtefactID     string     `bson:"artefact_id"`
	TaskID         string     `bson:"task_id"`
	TaskName       string     `bson:"task_name"`
	TaskQueueName  string     `bson:"task_queue_name,omitempty"`
	ReplyQueueName string     `bson:"reply_queue_name,omitempty"`
	StageName      string     `bson:"stage_name,omitempty"`
	MutationType   string     `bson:"mutation_type,omitempty"`
	StartedAt      *time.Time `bson:"started_at,omitempty"`
	CompletedAt    *time.Time `bson:"completed_at,omitempty"`
	FailedAt       *time.Time `bson:"failed_at,omitempty"`
	ResultLocation string     `bson:"result_location,omitempty"`
	FailureReason  string     `bson:"failure_reason,omitempty"`
	Version        int64      `bson:"version"`
}

type mongoLogDoc struct {
	ID           string               `bson:"_id"`
	WorkflowID   string               `bson:"workflow_id"`
	WorkflowName string               `bson:"workflow_name"`
	StashID      string               `bson:"stash_id"`
	History      []mongoProcessingDoc `bson:"history"`
	Version      int64                `bson:"version"`
}

func toProcessingDoc(tp api.TaskProcessing) mongoProcessingDoc {
	return mongoProcessingDoc{
		ID:             tp.ID,
		LogID:          tp.LogID,
		StashID:        tp.StashID,
		ArtefactID:     tp.ArtefactID,
		TaskID:         tp.TaskID,
		TaskName:       tp.TaskName,
		TaskQueueName:  tp.TaskQueueName,
		ReplyQueueName: tp.ReplyQueueName,
		StageName:      tp.StageName,
		MutationType:   string(tp.MutationType),
		StartedAt:      tp.StartedAt,
		CompletedAt:    tp.CompletedAt,
		FailedAt:       tp.FailedAt,
		ResultLocation: tp.ResultLocation,
		FailureReason:  tp.FailureReason,
		Version:        tp.Version,
	}
}

func fromProcessingDoc(doc mongoProcessingDoc) api.TaskProcessing {
	return api.TaskProcessing{
		ID:             doc.ID,
		LogID:          doc.LogID,
		StashID:        doc.StashID,
		ArtefactID:     doc.ArtefactID,
		TaskID:         doc.TaskID,
		TaskName:       doc.TaskName,
		TaskQueueName:  doc.TaskQueueName,
		ReplyQueueName: doc.ReplyQueueName,
		StageName:      doc.StageName,
		MutationType:   api.MutationType(doc.MutationType),
		StartedAt:      doc.StartedAt,
		CompletedAt:    doc.CompletedAt,
		FailedAt:       doc.FailedAt,
		ResultLocation: doc.ResultLocation,
		FailureReason:  doc.FailureReason,
		Version:        doc.Version,
	}
}

func fromLogDoc(doc mongoLogDoc) api.ProcessingLog {
	log := api.ProcessingLog{
		ID:           doc.ID,
		WorkflowID:   doc.WorkflowID,
		WorkflowName: doc.WorkflowName,
		StashID:      doc.StashID,
		Version:      doc.Version,
	}
	for _, entry := range doc.History {
		log.History = append(log.History, fromProcessingDoc(entry))
	}
	return log
}

func (s *MongoStore) CreateTask(ctx context.Context, t api.Task) (*api.Task, error) {
	if t.Name == "" {
		return nil, fmt.Errorf("task name is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	doc := mongoTaskDoc{
		ID:             t.ID,
		Name:           t.Name,
		Description:    t.Description,
		StageName:      t.StageName,
		TaskQueueName:  t.TaskQueueName,
		ReplyQueueName: t.ReplyQueueName,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if _, err := s.tasks.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("task name already in use: %s", t.Name)
		}
		return nil, err
	}
	return &t, nil
}

func (s *MongoStore) FindTaskByName(ctx context.Context, name string) (*api.Task, error) {
	return s.findTask(ctx, bson.M{"name": name}, "name "+name)
}

func (s *MongoStore) FindTaskByID(ctx context.Context, id string) (*api.Task, error) {
	return s.findTask(ctx, bson.M{"_id": id}, id)
}

func (s *MongoStore) findTask(ctx context.Context, filter bson.M, ref string) (*api.Task, error) {
	var doc mongoTaskDoc
	if err := s.tasks.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", api.ErrTaskNotFound, ref)
		}
		return nil, err
	}
	return &api.Task{
		ID:             doc.ID,
		Name:           doc.Name,
		Description:    doc.Description,
		StageName:      doc.StageName,
		TaskQueueName:  doc.TaskQueueName,
		ReplyQueueName: doc.ReplyQueueName,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}, nil
}

func (s *MongoStore) CreateWorkflow(ctx context.Context, w api.Workflow) (*api.Workflow, error) {
	if w.Name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	doc := mongoWorkflowDoc{
		ID:                w.ID,
		Name:              w.Name,
		Description:       w.Description,
		TaskConfiguration: []mongoTaskRefDoc{},
		CreatedAt:         w.CreatedAt,
		UpdatedAt:         w.UpdatedAt,
	}
	for _, ref := range w.TaskConfiguration {
		doc.TaskConfiguration = append(doc.TaskConfiguration, mongoTaskRefDoc(ref))
	}

	if _, err := s.workflows.InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *MongoStore) FindWorkflowByID(ctx context.Context, id string) (*api.Workflow, error) {
	var doc mongoWorkflowDoc
	if err := s.workflows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, id)
		}
		return nil, err
	}
	w := api.Workflow{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
	for _, ref := range doc.TaskConfiguration {
		w.TaskConfiguration = append(w.TaskConfiguration, api.TaskRef(ref))
	}
	return &w, nil
}

func (s *MongoStore) AddTaskToWorkflow(ctx context.Context, workflowID string, ref api.TaskRef) (*api.Workflow, error) {
	update := bson.M{
		"$push": bson.M{"task_configuration": mongoTaskRefDoc(ref)},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}
	res, err := s.workflows.UpdateByID(ctx, workflowID, update)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, workflowID)
	}
	return s.FindWorkflowByID(ctx, workflowID)
}

func (s *MongoStore) CreateProcessing(ctx context.Context, tp api.TaskProcessing) (*api.TaskProcessing, error) {
	if tp.ID == "" {
		tp.ID = uuid.NewString()
	}
	tp.Version = 0
	tp.StartedAt = nil
	tp.CompletedAt = nil
	tp.FailedAt = nil

	if _, err := s.processings.InsertOne(ctx, toProcessingDoc(tp)); err != nil {
		return nil, err
	}
	return &tp, nil
}

func (s *MongoStore) FindProcessingByID(ctx context.Context, id string) (*api.TaskProcessing, error) {
	var doc mongoProcessingDoc
	if err := s.processings.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", api.ErrProcessingNotFound, id)
		}
		return nil, err
	}
	tp := fromProcessingDoc(doc)
	return &tp, nil
}

// unresolvedFilter matches records where none of the lifecycle timestamps
// is present. nil matches both absent fields and explicit nulls.
func unresolvedFilter(stashID string) bson.M {
	return bson.M{
		"stash_id":     stashID,
		"started_at":   nil,
		"completed_at": nil,
		"failed_at":    nil,
	}
}

func (s *MongoStore) FindUnresolved(ctx context.Context, stashID string) ([]api.TaskProcessing, error) {
	cur, err := s.processings.Find(ctx, unresolvedFilter(stashID))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []api.TaskProcessing
	for cur.Next(ctx) {
		var doc mongoProcessingDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		result = append(result, fromProcessingDoc(doc))
	}
	return result, cur.Err()
}

func (s *MongoStore) MarkStarted(ctx context.Context, id string, version int64) (*api.TaskProcessing, error) {
	filter := bson.M{"_id": id, "version": version, "started_at": nil}
	update := bson.M{
		"$set": bson.M{"started_at": time.Now().UTC()},
		"$inc": bson.M{"version": 1},
	}
	return s.guardedUpdate(ctx, "mark started", id, filter, update)
}

func (s *MongoStore) MarkCompleted(ctx context.Context, id string, version int64, resultLocation string) (*api.TaskProcessing, error) {
	filter := bson.M{"_id": id, "version": version, "completed_at": nil, "failed_at": nil}
	update := bson.M{
		"$set": bson.M{
			"completed_at":    time.Now().UTC(),
			"result_location": resultLocation,
		},
		"$inc": bson.M{"version": 1},
	}
	return s.guardedUpdate(ctx, "mark completed", id, filter, update)
}

func (s *MongoStore) MarkFailed(ctx context.Context, id string, version int64, reason string) (*api.TaskProcessing, error) {
	filter := bson.M{"_id": id, "version": version, "completed_at": nil, "failed_at": nil}
	update := bson.M{
		"$set": bson.M{
			"failed_at":      time.Now().UTC(),
			"failure_reason": reason,
		},
		"$inc": bson.M{"version": 1},
	}
	return s.guardedUpdate(ctx, "mark failed", id, filter, update)
}

func (s *MongoStore) SetResultLocation(ctx context.Context, id string, version int64, location string) (*api.TaskProcessing, error) {
	filter := bson.M{"_id": id, "version": version}
	update := bson.M{
		"$set": bson.M{"result_location": location},
		"$inc": bson.M{"version": 1},
	}
	return s.guardedUpdate(ctx, "set result location", id, filter, update)
}

// guardedUpdate performs the compare-and-increment write and classifies a
// miss: record absent, already started (for filters guarding started_at),
// or plain version conflict.
func (s *MongoStore) guardedUpdate(ctx context.Context, op, id string, filter, update bson.M) (*api.TaskProcessing, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoProcessingDoc
	err := s.processings.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		tp := fromProcessingDoc(doc)
		return &tp, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	current, ferr := s.FindProcessingByID(ctx, id)
	if ferr != nil {
		return nil, ferr
	}
	if _, guarded := filter["started_at"]; guarded && current.StartedAt != nil {
		return nil, api.ErrAlreadyStarted
	}
	return nil, fmt.Errorf("%s %s: %w", op, id, api.ErrConflict)
}

func (s *MongoStore) CreateLog(ctx context.Context, log api.ProcessingLog) (*api.ProcessingLog, error) {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	log.Version = 0
	log.History = nil

	doc := mongoLogDoc{
		ID:           log.ID,
		WorkflowID:   log.WorkflowID,
		WorkflowName: log.WorkflowName,
		StashID:      log.StashID,
		History:      []mongoProcessingDoc{},
		Version:      0,
	}
	if _, err := s.logs.InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	return &log, nil
}

func (s *MongoStore) FindLogByID(ctx context.Context, id string) (*api.ProcessingLog, error) {
	var doc mongoLogDoc
	if err := s.logs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", api.ErrRunNotFound, id)
		}
		return nil, err
	}
	log := fromLogDoc(doc)
	return &log, nil
}

func (s *MongoStore) AppendHistory(ctx context.Context, logID string, snapshot api.TaskProcessing) (*api.ProcessingLog, error) {
	current, err := s.FindLogByID(ctx, logID)
	if err != nil {
		return nil, err
	}

	filter := bson.M{"_id": logID, "version": current.Version}
	update := bson.M{
		"$push": bson.M{"history": toProcessingDoc(snapshot)},
		"$inc":  bson.M{"version": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc mongoLogDoc
	if err := s.logs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("append history %s: %w", logID, api.ErrConflict)
		}
		return nil, err
	}
	log := fromLogDoc(doc)
	return &log, nil
}

func (s *MongoStore) FindRunsAwaitingStage(ctx context.Context, stage string) ([]api.RunWithRelatedTasks, error) {
	cur, err := s.logs.Find(ctx, bson.M{"history.stage_name": stage})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var runs []api.RunWithRelatedTasks
	for cur.Next(ctx) {
		var doc mongoLogDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}

		run := api.RunWithRelatedTasks{Log: fromLogDoc(doc)}
		run.RelatedTasks, err = s.FindUnresolved(ctx, doc.StashID)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, cur.Err()
}

// InTransaction runs fn inside one MongoDB transaction. The driver
// session travels in the ctx handed to fn, so every store call made with
// that ctx joins the transaction.
func (s *MongoStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}
