package emulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"ledger-todo/domain"
	"ledger-todo/ledger"
)

const (
	edmInt64        = "Edm.Int64"
	listRowKey      = "TodoList"
	entryKeyPattern = "%020d"
)

// TableStore persists ledger state in Azure Tables.
type TableStore struct {
	resources *aztables.Client
	entries   *aztables.Client
	receipts  *aztables.Client
}

// NewTableStore creates a TableStore from the given connection string.
func NewTableStore(connStr, resourcesTable, entriesTable, receiptsTable string) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableStore{
		resources: svc.NewClient(resourcesTable),
		entries:   svc.NewClient(entriesTable),
		receipts:  svc.NewClient(receiptsTable),
	}, nil
}

// EnsureTables creates the backing tables if needed.
func (s *TableStore) EnsureTables(ctx context.Context) error {
	for _, c := range []*aztables.Client{s.resources, s.entries, s.receipts} {
		if _, err := c.CreateTable(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
	}
	return nil
}

// entity carries the table keys.
type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type listEntity struct {
	entity
	TaskCounter     int64  `json:"TaskCounter,string"`
	TaskCounterType string `json:"TaskCounter@odata.type"`
	TableHandle     string `json:"TableHandle"`
}

type entryEntity struct {
	entity
	TaskID     int64  `json:"TaskID,string"`
	TaskIDType string `json:"TaskID@odata.type"`
	Content    string `json:"Content"`
	Completed  bool   `json:"Completed"`
	Address    string `json:"Address"`
}

type receiptEntity struct {
	entity
	Version     int64  `json:"Version,string"`
	VersionType string `json:"Version@odata.type"`
	Success     bool   `json:"Success"`
	VMStatus    string `json:"VMStatus"`
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// translate maps table service status codes onto store errors.
func translate(err error) error {
	switch statusCode(err) {
	case 409:
		return ErrAlreadyExists
	case 412:
		return ErrConcurrencyConflict
	}
	return err
}

func (s *TableStore) GetList(ctx context.Context, address string) (*ListRecord, error) {
	resp, err := s.resources.GetEntity(ctx, address, listRowKey, nil)
	if err != nil {
		if statusCode(err) == 404 {
			return nil, nil
		}
		return nil, err
	}
	var ent listEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return &ListRecord{
		Address:     address,
		TaskCounter: uint64(ent.TaskCounter),
		TableHandle: ent.TableHandle,
		ETag:        string(resp.ETag),
	}, nil
}

func (s *TableStore) listPayload(rec ListRecord) ([]byte, error) {
	return sonic.Marshal(listEntity{
		entity:          entity{PartitionKey: rec.Address, RowKey: listRowKey},
		TaskCounter:     int64(rec.TaskCounter),
		TaskCounterType: edmInt64,
		TableHandle:     rec.TableHandle,
	})
}

func (s *TableStore) InsertList(ctx context.Context, rec ListRecord) error {
	payload, err := s.listPayload(rec)
	if err != nil {
		return err
	}
	_, err = s.resources.AddEntity(ctx, payload, nil)
	return translate(err)
}

func (s *TableStore) UpdateList(ctx context.Context, rec ListRecord, etag string) error {
	payload, err := s.listPayload(rec)
	if err != nil {
		return err
	}
	et := azcore.ETag(etag)
	_, err = s.resources.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return translate(err)
}

func entryRowKey(key uint64) string {
	return fmt.Sprintf(entryKeyPattern, key)
}

func decodeEntry(handle string, data []byte, etag string) (EntryRecord, error) {
	var ent entryEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return EntryRecord{}, err
	}
	return EntryRecord{
		Handle: handle,
		Key:    uint64(ent.TaskID),
		Task: domain.Task{
			TaskID:    uint64(ent.TaskID),
			Content:   ent.Content,
			Completed: ent.Completed,
			Address:   ent.Address,
		},
		ETag: etag,
	}, nil
}

func (s *TableStore) GetEntry(ctx context.Context, handle string, key uint64) (*EntryRecord, error) {
	resp, err := s.entries.GetEntity(ctx, handle, entryRowKey(key), nil)
	if err != nil {
		if statusCode(err) == 404 {
			return nil, nil
		}
		return nil, err
	}
	rec, err := decodeEntry(handle, resp.Value, string(resp.ETag))
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListEntries pages through the handle's partition between from and to.
func (s *TableStore) ListEntries(ctx context.Context, handle string, from, to uint64) ([]EntryRecord, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and RowKey ge '%s' and RowKey le '%s'", handle, entryRowKey(from), entryRowKey(to))
	pager := s.entries.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []EntryRecord{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			rec, err := decodeEntry(handle, e, "")
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *TableStore) entryPayload(rec EntryRecord) ([]byte, error) {
	return sonic.Marshal(entryEntity{
		entity:     entity{PartitionKey: rec.Handle, RowKey: entryRowKey(rec.Key)},
		TaskID:     int64(rec.Key),
		TaskIDType: edmInt64,
		Content:    rec.Task.Content,
		Completed:  rec.Task.Completed,
		Address:    rec.Task.Address,
	})
}

func (s *TableStore) InsertEntry(ctx context.Context, rec EntryRecord) error {
	payload, err := s.entryPayload(rec)
	if err != nil {
		return err
	}
	_, err = s.entries.AddEntity(ctx, payload, nil)
	return translate(err)
}

func (s *TableStore) UpdateEntry(ctx context.Context, rec EntryRecord, etag string) error {
	payload, err := s.entryPayload(rec)
	if err != nil {
		return err
	}
	et := azcore.ETag(etag)
	_, err = s.entries.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return translate(err)
}

func (s *TableStore) GetReceipt(ctx context.Context, hash string) (*ledger.Receipt, error) {
	resp, err := s.receipts.GetEntity(ctx, hash, hash, nil)
	if err != nil {
		if statusCode(err) == 404 {
			return nil, nil
		}
		return nil, err
	}
	var ent receiptEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return &ledger.Receipt{Hash: hash, Version: uint64(ent.Version), Success: ent.Success, VMStatus: ent.VMStatus}, nil
}

func (s *TableStore) PutReceipt(ctx context.Context, rcpt ledger.Receipt) error {
	payload, err := sonic.Marshal(receiptEntity{
		entity:      entity{PartitionKey: rcpt.Hash, RowKey: rcpt.Hash},
		Version:     int64(rcpt.Version),
		VersionType: edmInt64,
		Success:     rcpt.Success,
		VMStatus:    rcpt.VMStatus,
	})
	if err != nil {
		return err
	}
	_, err = s.receipts.UpsertEntity(ctx, payload, nil)
	return err
}
