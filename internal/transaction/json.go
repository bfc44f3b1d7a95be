package transaction

import "encoding/json"

func (t Transaction) MarshalToJSON() (res []byte, err error) {
	return json.Marshal(t)
}

func UnmarshalFromJSON(data []byte) (*Transaction, error) {
	t := new(Transaction)
	if err := json.Unmarshal(data, t); err != nil {
		return nil, err
	}
	return t, nil
}
