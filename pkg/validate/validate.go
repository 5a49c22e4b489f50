package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 入参校验
// ============================================================================
//
// SIBS MB WAY 只受理葡萄牙手机号（国家码 351 + 9 位），币种仅 EUR。
// 校验失败统一返回 *FieldError，带上字段名便于调用方定位

// FieldError 入参校验错误，Field 指明出错字段
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("参数校验失败 [%s]: %s", e.Field, e.Message)
}

var (
	phonePattern       = regexp.MustCompile(`^351[0-9]{9}$`)
	nonDigitPattern    = regexp.MustCompile(`[^0-9]`)
	emailPattern       = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	merchantRefPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Phone 校验并规整葡萄牙手机号
// 接受 "+351 919 999 999"、"351-919-999-999" 等写法，
// 去掉 + 空格 连字符 点号后必须是 351 开头共 12 位数字
func Phone(phone string) (string, error) {
	clean := nonDigitPattern.ReplaceAllString(phone, "")
	if !phonePattern.MatchString(clean) {
		return "", &FieldError{Field: "customer_phone", Message: fmt.Sprintf("手机号格式错误，要求 351XXXXXXXXX，收到: %s", phone)}
	}
	return clean, nil
}

// Email 校验邮箱格式，长度上限按 RFC 5321 取 320
func Email(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" || !emailPattern.MatchString(email) {
		return "", &FieldError{Field: "customer_email", Message: fmt.Sprintf("邮箱格式错误: %s", email)}
	}
	if len(email) > 320 {
		return "", &FieldError{Field: "customer_email", Message: "邮箱过长，最多 320 个字符"}
	}
	return email, nil
}

// Amount 校验金额：在 [min, max] 区间内，且最多 2 位小数
func Amount(field string, amount, min, max decimal.Decimal) error {
	if amount.LessThan(min) {
		return &FieldError{Field: field, Message: fmt.Sprintf("金额过小，最低 €%s，收到 €%s", min, amount)}
	}
	if amount.GreaterThan(max) {
		return &FieldError{Field: field, Message: fmt.Sprintf("金额过大，最高 €%s，收到 €%s", max, amount)}
	}
	if amount.Exponent() < -2 {
		return &FieldError{Field: field, Message: fmt.Sprintf("金额最多保留 2 位小数，收到 %s", amount)}
	}
	return nil
}

// Description 描述非空且不超过 200 字符
func Description(description string) (string, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return "", &FieldError{Field: "description", Message: "描述不能为空"}
	}
	if len(description) > 200 {
		return "", &FieldError{Field: "description", Message: "描述过长，最多 200 个字符"}
	}
	return description, nil
}

// MerchantReference 商户引用：可选，限 50 字符内的字母数字、连字符、下划线
func MerchantReference(reference string) (string, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return "", nil
	}
	if len(reference) > 50 {
		return "", &FieldError{Field: "merchant_reference", Message: "商户引用过长，最多 50 个字符"}
	}
	if !merchantRefPattern.MatchString(reference) {
		return "", &FieldError{Field: "merchant_reference", Message: "商户引用含非法字符，仅允许字母数字、连字符和下划线"}
	}
	return reference, nil
}

// Currency 仅支持 EUR
func Currency(currency string) (string, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return "EUR", nil
	}
	if currency != "EUR" {
		return "", &FieldError{Field: "currency", Message: fmt.Sprintf("不支持的币种: %s，仅支持 EUR", currency)}
	}
	return currency, nil
}
