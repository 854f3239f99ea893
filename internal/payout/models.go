package payout

import (
	"bytes"
	"encoding/json"
)

// flexString accepts both JSON strings and numbers; the API uses either for
// ids and amounts depending on the endpoint.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type apiResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type SendResponse struct {
	apiResponse
	PayoutID       flexString `json:"payout_id"`
	PayoutUserHash string     `json:"payout_user_hash"`
	Balance        flexString `json:"balance"`
}

type BalanceResponse struct {
	apiResponse
	Currency string     `json:"currency"`
	Balance  flexString `json:"balance"`
}
