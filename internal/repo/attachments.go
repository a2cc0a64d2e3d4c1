package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"stockline/internal/domain"
)

// ReplaceAttachmentURL rewrites every attachment reference equal to oldURL in
// item images and aggregate receipts. Running it again after a successful
// pass changes nothing.
func (r Repo) ReplaceAttachmentURL(ctx context.Context, oldURL, newURL string) (int, error) {
	if oldURL == "" || newURL == "" || oldURL == newURL {
		return 0, nil
	}
	changed := 0
	now := time.Now().UTC().Format(time.RFC3339)
	err := r.WithTx(ctx, 3, func(tx *sql.Tx) error {
		changed = 0
		pattern := "%" + escapeLike(oldURL) + "%"
		type owner struct {
			accountID string
			id        string
			refs      []domain.AttachmentRef
		}
		collect := func(query string) ([]owner, error) {
			rows, err := tx.QueryContext(ctx, query, pattern)
			if err != nil {
				return nil, err
			}
			defer rows.Close()
			var out []owner
			for rows.Next() {
				var o owner
				var raw string
				if err := rows.Scan(&o.accountID, &o.id, &raw); err != nil {
					return nil, err
				}
				o.refs = unmarshalRefs(raw)
				out = append(out, o)
			}
			return out, rows.Err()
		}
		items, err := collect(`SELECT account_id, id, images_json FROM items WHERE images_json LIKE ? ESCAPE '\'`)
		if err != nil {
			return err
		}
		for _, it := range items {
			if n := rewriteRefs(it.refs, oldURL, newURL); n > 0 {
				if err := r.UpdateItemImages(ctx, tx, it.id, it.refs, now); err != nil {
					return err
				}
				changed += n
			}
		}
		aggs, err := collect(`SELECT account_id, id, receipts_json FROM transactions WHERE receipts_json LIKE ? ESCAPE '\'`)
		if err != nil {
			return err
		}
		for _, a := range aggs {
			if n := rewriteRefs(a.refs, oldURL, newURL); n > 0 {
				if err := r.UpdateAggregateReceipts(ctx, tx, a.accountID, a.id, a.refs, now); err != nil {
					return err
				}
				changed += n
			}
		}
		return nil
	})
	return changed, err
}

// AttachmentURLs returns every attachment url with the given prefix that a
// document still holds.
func (r Repo) AttachmentURLs(ctx context.Context, prefix string) (map[string]bool, error) {
	out := map[string]bool{}
	pattern := escapeLike(prefix) + "%"
	for _, query := range []string{
		`SELECT images_json FROM items WHERE images_json LIKE ? ESCAPE '\'`,
		`SELECT receipts_json FROM transactions WHERE receipts_json LIKE ? ESCAPE '\'`,
	} {
		rows, err := r.DB.QueryContext(ctx, query, "%"+pattern)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				return nil, err
			}
			for _, ref := range unmarshalRefs(raw) {
				if strings.HasPrefix(ref.URL, prefix) {
					out[ref.URL] = true
				}
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func rewriteRefs(refs []domain.AttachmentRef, oldURL, newURL string) int {
	n := 0
	for i := range refs {
		if refs[i].URL == oldURL {
			refs[i].URL = newURL
			n++
		}
	}
	return n
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
