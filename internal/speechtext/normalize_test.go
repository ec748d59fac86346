package speechtext

import "testing"

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "whitespace only", in: "  \t ", want: ""},
		{name: "heading and emphasis", in: "## 展厅介绍\n**重点**内容", want: "展厅介绍\n重点内容。"},
		{name: "strikethrough", in: "~~旧~~新方案", want: "旧新方案。"},
		{name: "inline code", in: "运行`make`即可", want: "运行make即可。"},
		{name: "link keeps text", in: "访问[官网](https://example.cn/a.html)了解", want: "访问官网了解。"},
		{name: "ascii punctuation", in: "你好!今天怎么样?", want: "你好！今天怎么样？"},
		{name: "comma colon semicolon", in: "注意:一,二;三", want: "注意：一，二；三。"},
		{name: "decimal preserved", in: "面积3.5平方公里", want: "面积3.5平方公里。"},
		{name: "version preserved", in: "版本v1.2.3", want: "版本v1.2.3。"},
		{name: "number unit merged", in: "人口1200 万", want: "人口1200万。"},
		{name: "emoji removed", in: "欢迎😀光临🚀", want: "欢迎光临。"},
		{name: "symbol emoji removed", in: "今天☀晴", want: "今天晴。"},
		{name: "ellipsis collapsed", in: "等等...", want: "等等。"},
		{name: "bullets and pipes", in: "甲•乙·丙|丁", want: "甲、乙、丙，丁。"},
		{name: "fenced code", in: "```go\nfmt.Println()\n```看这里", want: "[代码]看这里。"},
		{name: "full width brackets", in: "（注意）【提示】", want: "(注意)[提示]。"},
		{name: "angle brackets", in: "<安全>提示", want: "安全提示。"},
		{name: "tildes", in: "好~~~", want: "好。"},
		{name: "blank lines collapsed", in: "上\n\n\n\n下", want: "上\n\n下。"},
		{name: "spaces collapsed", in: "city   hall\t\tguide", want: "city hall guide。"},
		{name: "terminal kept", in: "结束了！", want: "结束了！"},
		{name: "trailing pause", in: "一二三，", want: "一二三。"},
		{name: "only pause", in: "，", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Normalize(tc.in); got != tc.want {
				t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	t.Parallel()
	in := "## 欢迎!\n城市面积达到3.5万平方公里..."
	once := Normalize(in)
	if twice := Normalize(once); twice != once {
		t.Errorf("second pass changed %q to %q", once, twice)
	}
}
