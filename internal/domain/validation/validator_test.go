package validation

import (
	"testing"
	"time"

	"github.com/charging-platform/charge-point-simulator/internal/domain/ocpp16"
	"github.com/stretchr/testify/assert"
)

func TestNewValidator(t *testing.T) {
	validator := NewValidator()
	assert.NotNil(t, validator)
	assert.NotNil(t, validator.validate)
}

func TestValidator_ValidateStruct(t *testing.T) {
	validator := NewValidator()

	// 测试RemoteStopTransactionRequest，一个HandleInbound实际验证的类型
	validRequest := ocpp16.RemoteStopTransactionRequest{TransactionId: 555}

	err := validator.ValidateStruct(validRequest)
	assert.NoError(t, err)

	// 测试无效的请求
	invalidRequest := ocpp16.RemoteStopTransactionRequest{} // 必填字段为零值

	err = validator.ValidateStruct(invalidRequest)
	assert.Error(t, err)

	// 检查错误类型
	if validationErrors, ok := err.(ValidationErrors); ok {
		assert.Len(t, validationErrors, 1)
		assert.Equal(t, "TransactionId", validationErrors[0].Field)
		assert.Equal(t, "required", validationErrors[0].Tag)
	}
}

func TestCustomValidations(t *testing.T) {
	validator := NewValidator()

	// 测试自定义验证规则的结构体
	type TestStruct struct {
		DateTime    string `validate:"ocpp_datetime"`
		IdToken     string `validate:"ocpp_id_token"`
		ConnectorID int    `validate:"ocpp_connector_id"`
		MeterValue  string `validate:"ocpp_meter_value"`
		Status      string `validate:"ocpp_status"`
	}

	tests := []struct {
		name    string
		data    TestStruct
		wantErr bool
	}{
		{
			name: "valid data",
			data: TestStruct{
				DateTime:    time.Now().Format(time.RFC3339),
				IdToken:     "RFID123456",
				ConnectorID: 1,
				MeterValue:  "1234.56",
				Status:      "Available",
			},
			wantErr: false,
		},
		{
			name: "invalid datetime",
			data: TestStruct{
				DateTime:    "invalid-datetime",
				IdToken:     "RFID123456",
				ConnectorID: 1,
				MeterValue:  "1234.56",
				Status:      "Available",
			},
			wantErr: true,
		},
		{
			name: "invalid id token",
			data: TestStruct{
				DateTime:    time.Now().Format(time.RFC3339),
				IdToken:     "RFID@123456", // 包含非法字符
				ConnectorID: 1,
				MeterValue:  "1234.56",
				Status:      "Available",
			},
			wantErr: true,
		},
		{
			name: "invalid connector id",
			data: TestStruct{
				DateTime:    time.Now().Format(time.RFC3339),
				IdToken:     "RFID123456",
				ConnectorID: -1, // 负数
				MeterValue:  "1234.56",
				Status:      "Available",
			},
			wantErr: true,
		},
		{
			name: "invalid meter value",
			data: TestStruct{
				DateTime:    time.Now().Format(time.RFC3339),
				IdToken:     "RFID123456",
				ConnectorID: 1,
				MeterValue:  "not-a-number",
				Status:      "Available",
			},
			wantErr: true,
		},
		{
			name: "invalid status",
			data: TestStruct{
				DateTime:    time.Now().Format(time.RFC3339),
				IdToken:     "RFID123456",
				ConnectorID: 1,
				MeterValue:  "1234.56",
				Status:      "InvalidStatus",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateStruct(tt.data)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := ValidationError{
		Field:   "testField",
		Tag:     "required",
		Value:   "",
		Message: "Field is required",
	}

	assert.Equal(t, "Field is required", err.Error())
}

func TestValidationErrors(t *testing.T) {
	errors := ValidationErrors{
		{Field: "field1", Message: "Error 1"},
		{Field: "field2", Message: "Error 2"},
	}

	expected := "Error 1; Error 2"
	assert.Equal(t, expected, errors.Error())
}
